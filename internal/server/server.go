// Package server implements the pagedb line protocol over TCP.
//
// Each request is one line; each reply ends with a status line:
//
//	PUT <key> <value...>      OK stored
//	GET <key>                 OK <value> | NOT_FOUND <key>
//	DELETE <key>              OK deleted | NOT_FOUND <key>
//	SCAN [from] [limit]       ITEM <key> <value> lines, then OK <count>
//	SIZE                      OK <records>
//	STATS                     OK height=... pages=...
//
// Failures reply "ERROR <kind> <message>" where kind is the error taxonomy
// bucket, e.g. "ERROR storage_full ...".
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pagedb/pagedb/core/dberrors"
	"github.com/pagedb/pagedb/core/indexing/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// KV is the store a Server fronts.
type KV interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Erase(key string) (bool, error)
	Scan(from *string, fn func(key, value string) bool) error
	Len() int64
	Stats() (btree.Stats, error)
}

type Options struct {
	// RequestsPerSecond limits each connection; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxScan caps the records one SCAN returns.
	MaxScan int
	// IdleTimeout closes connections that send nothing for this long.
	// 0 disables the timeout.
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

// Request represents a parsed client request.
type Request struct {
	Command string
	Key     string
	Value   string
	Limit   int
	HasKey  bool
}

// Response represents a server's reply to a client request.
type Response struct {
	Status  string // OK, NOT_FOUND, ERROR
	Message string
	Items   []string
}

type Server struct {
	kv     KV
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(kv KV, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if opts.MaxScan <= 0 {
		opts.MaxScan = 1000
	}
	return &Server{
		kv:     kv,
		opts:   opts,
		logger: opts.Logger.Named("server"),
		tracer: opts.Tracer,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes open
// connections and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConnection(ctx, conn)
		}()
	}

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return acceptErr
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection manages a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log := s.logger.With(zap.String("remote", remote))
	log.Info("client connected")

	var limiter *rate.Limiter
	if s.opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSecond), s.opts.Burst)
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Info("client disconnected")
			} else {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		raw := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(raw) == "" {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		var resp Response
		req, err := ParseRequest(raw)
		if err != nil {
			resp = Response{Status: "ERROR", Message: fmt.Sprintf("%s %v", dberrors.KindUsage, err)}
		} else {
			resp = s.Handle(ctx, req)
		}
		if err := writeResponse(writer, resp); err != nil {
			log.Warn("write failed", zap.Error(err))
			return
		}
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	for _, item := range resp.Items {
		if _, err := fmt.Fprintf(w, "ITEM %s\n", item); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s %s\n", resp.Status, resp.Message); err != nil {
		return err
	}
	return w.Flush()
}

// ParseRequest parses a raw command line.
func ParseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, errors.New("empty command")
	}
	req := Request{Command: strings.ToUpper(parts[0])}

	switch req.Command {
	case "PUT":
		if len(parts) < 3 {
			return Request{}, errors.New("PUT requires key and value")
		}
		req.Key, req.HasKey = parts[1], true
		// The value is the rest of the line, inner spacing included.
		_, rest := cutField(raw)
		_, req.Value = cutField(rest)
	case "GET", "DELETE":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("%s requires a key", req.Command)
		}
		req.Key, req.HasKey = parts[1], true
	case "SCAN":
		if len(parts) > 3 {
			return Request{}, errors.New("SCAN takes at most a start key and a limit")
		}
		if len(parts) >= 2 {
			req.Key, req.HasKey = parts[1], true
		}
		if len(parts) == 3 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 1 {
				return Request{}, fmt.Errorf("invalid SCAN limit %q", parts[2])
			}
			req.Limit = n
		}
	case "SIZE", "STATS":
		if len(parts) != 1 {
			return Request{}, fmt.Errorf("%s takes no arguments", req.Command)
		}
	default:
		return Request{}, fmt.Errorf("unknown command: %s", req.Command)
	}
	return req, nil
}

// cutField splits the first whitespace separated field off s and returns it
// with the remainder, leading whitespace removed.
func cutField(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// Handle executes req inside a span and converts the outcome to a Response.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	_, span := s.tracer.Start(ctx, "pagedb."+strings.ToLower(req.Command),
		trace.WithAttributes(attribute.String("pagedb.command", req.Command)))
	defer span.End()

	resp, err := s.execute(req)
	if err != nil {
		kind := dberrors.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		if kind != dberrors.KindUsage {
			s.logger.Error("request failed", zap.String("command", req.Command), zap.Error(err))
		}
		return Response{Status: "ERROR", Message: fmt.Sprintf("%s %v", kind, err)}
	}
	span.SetAttributes(attribute.String("pagedb.status", resp.Status))
	return resp
}

func (s *Server) execute(req Request) (Response, error) {
	switch req.Command {
	case "PUT":
		if err := s.kv.Put(req.Key, req.Value); err != nil {
			return Response{}, err
		}
		return Response{Status: "OK", Message: "stored"}, nil
	case "GET":
		v, found, err := s.kv.Get(req.Key)
		if err != nil {
			return Response{}, err
		}
		if !found {
			return Response{Status: "NOT_FOUND", Message: req.Key}, nil
		}
		return Response{Status: "OK", Message: v}, nil
	case "DELETE":
		found, err := s.kv.Erase(req.Key)
		if err != nil {
			return Response{}, err
		}
		if !found {
			return Response{Status: "NOT_FOUND", Message: req.Key}, nil
		}
		return Response{Status: "OK", Message: "deleted"}, nil
	case "SCAN":
		limit := s.opts.MaxScan
		if req.Limit > 0 && req.Limit < limit {
			limit = req.Limit
		}
		var from *string
		if req.HasKey {
			from = &req.Key
		}
		var items []string
		err := s.kv.Scan(from, func(k, v string) bool {
			items = append(items, k+" "+v)
			return len(items) < limit
		})
		if err != nil {
			return Response{}, err
		}
		return Response{Status: "OK", Message: strconv.Itoa(len(items)), Items: items}, nil
	case "SIZE":
		return Response{Status: "OK", Message: strconv.FormatInt(s.kv.Len(), 10)}, nil
	case "STATS":
		st, err := s.kv.Stats()
		if err != nil {
			return Response{}, err
		}
		return Response{Status: "OK", Message: FormatStats(st)}, nil
	default:
		return Response{}, fmt.Errorf("unsupported command: %s", req.Command)
	}
}

// FormatStats renders tree statistics as space separated key=value pairs.
func FormatStats(st btree.Stats) string {
	return fmt.Sprintf("records=%d height=%d root=%d pages=%d free_head=%d page_size=%d max_leaf=%d max_children=%d cache_resident=%d/%d cache_hits=%d cache_misses=%d evictions=%d",
		st.RecordCount, st.Height, st.RootPageID, st.NumPages, st.FreeListHead, st.PageSize,
		st.MaxLeaf, st.MaxChildren, st.Cache.Resident, st.Cache.Capacity, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
}

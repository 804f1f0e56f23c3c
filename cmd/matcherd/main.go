// Command matcherd is the live query matcher daemon: it opens the base
// SQLite database, attaches a watches database for shadow tables, and
// serves subscription requests over a Unix domain socket using a
// newline-delimited JSON protocol (internal/wire). Its bootstrap sequence
// parses flags into a config.Config, sets up signal.NotifyContext for
// graceful shutdown, and opens database/sql against modernc.org/sqlite.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livequery/matcherd/internal/analyzer"
	"github.com/livequery/matcherd/internal/broadcast"
	"github.com/livequery/matcherd/internal/config"
	"github.com/livequery/matcherd/internal/dispatcher"
	"github.com/livequery/matcherd/internal/matcher"
	"github.com/livequery/matcherd/internal/model"
	"github.com/livequery/matcherd/internal/rewrite"
	"github.com/livequery/matcherd/internal/schema"
	"github.com/livequery/matcherd/internal/schemaload"
	"github.com/livequery/matcherd/internal/shadowstore"
	"github.com/livequery/matcherd/internal/sqlparse"
	"github.com/livequery/matcherd/internal/subscriber"
	"github.com/livequery/matcherd/internal/wire"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "control socket path")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "base database path")
	flag.StringVar(&cfg.WatchesDBPath, "watches-db", cfg.WatchesDBPath, "watches database path")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "matcherd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{filepath.Dir(cfg.SocketPath), filepath.Dir(cfg.DBPath), filepath.Dir(cfg.WatchesDBPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open base database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	sch, err := schemaload.Load(ctx, db)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	log.Info("schema loaded", "tables", len(sch.Tables))

	store, err := shadowstore.Open(ctx, db, cfg.WatchesDBPath)
	if err != nil {
		return fmt.Errorf("attach watches database: %w", err)
	}

	disp := dispatcher.New(log)
	subs := subscriber.NewIndex()

	srv := &server{
		cfg:   cfg,
		log:   log,
		db:    db,
		sch:   sch,
		store: store,
		disp:  disp,
		subs:  subs,
	}

	os.Remove(cfg.SocketPath)
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("matcherd listening", "socket", cfg.SocketPath)
	return srv.acceptLoop(ctx, listener)
}

type server struct {
	cfg   config.Config
	log   *slog.Logger
	db    *sql.DB
	sch   *schema.NormalizedSchema
	store *shadowstore.Store
	disp  *dispatcher.Dispatcher
	subs  *subscriber.Index
}

func (s *server) acceptLoop(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	subscriberID := model.SubscriberID{Local: true, Addr: conn.RemoteAddr().String()}
	sub := s.subs.Insert(subscriberID)
	defer s.teardown(sub)

	writeMu := &sync.Mutex{}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		req, err := wire.DecodeSubscriptionRequest(scanner.Bytes())
		if err != nil {
			s.log.Warn("bad subscription request", "error", err)
			continue
		}
		switch {
		case req.Add != nil:
			s.handleAdd(ctx, conn, writeMu, sub, *req.Add)
		case req.Remove != nil:
			s.handleRemove(sub, req.Remove.ID)
		}
	}
}

func (s *server) handleAdd(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, sub *subscriber.Subscriber, add wire.AddSubscription) {
	sel, err := sqlparse.Parse(add.Query)
	if err != nil {
		s.writeError(conn, writeMu, err)
		return
	}
	an, err := analyzer.Analyze(sel, s.sch)
	if err != nil {
		s.writeError(conn, writeMu, err)
		return
	}
	stmt, err := rewrite.Build(matcherName(sub.ID, add.ID), sel, an, s.sch)
	if err != nil {
		s.writeError(conn, writeMu, err)
		return
	}

	m, ok := s.disp.Lookup(stmt.Name)
	if !ok {
		m, err = matcher.New(ctx, stmt.Name, stmt, s.db, s.store,
			matcher.WithCmdQueueSize(s.cfg.CmdQueueSize),
			matcher.WithBroadcastQueueSize(s.cfg.BroadcastQueueSize))
		if err != nil {
			s.writeError(conn, writeMu, err)
			return
		}
		s.disp.Register(m)
	}

	recv := m.Subscribe()
	sub.Add(model.SubscriptionID(add.ID), &subscriber.Subscription{
		Info:        model.SubscriptionInfo{WhereClause: add.Query, UpdatedAt: time.Now()},
		MatcherName: stmt.Name,
		Receiver:    recv,
	})

	snap, err := m.Snapshot(ctx)
	if err != nil {
		s.writeError(conn, writeMu, err)
		return
	}
	for _, r := range snap {
		s.writeResult(conn, writeMu, r)
	}

	go s.pump(conn, writeMu, recv)
}

func (s *server) pump(conn net.Conn, writeMu *sync.Mutex, recv *broadcast.Receiver) {
	for r := range recv.C() {
		s.writeResult(conn, writeMu, r)
	}
}

func (s *server) handleRemove(sub *subscriber.Subscriber, id string) {
	subSub, ok := sub.Remove(model.SubscriptionID(id))
	if !ok {
		return
	}
	if m, ok := s.disp.Lookup(subSub.MatcherName); ok {
		m.Unsubscribe(subSub.Receiver)
	}
}

func (s *server) teardown(sub *subscriber.Subscriber) {
	for _, subSub := range sub.All() {
		if m, ok := s.disp.Lookup(subSub.MatcherName); ok {
			m.Unsubscribe(subSub.Receiver)
		}
	}
	s.subs.Remove(sub.ID)
}

func (s *server) writeResult(conn net.Conn, writeMu *sync.Mutex, r model.RowResult) {
	data, err := wire.EncodeRowResult(r)
	if err != nil {
		s.log.Warn("encode row result", "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.Write(append(data, '\n'))
}

func (s *server) writeError(conn net.Conn, writeMu *sync.Mutex, err error) {
	s.writeResult(conn, writeMu, model.ErrorResult(err.Error()))
}

func matcherName(sub model.SubscriberID, subscriptionID string) string {
	return fmt.Sprintf("%s/%s", sub.String(), subscriptionID)
}

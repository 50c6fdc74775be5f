// Package app はサブコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pairchat/internal/auth"
	"github.com/hitoshi/pairchat/internal/config"
	"github.com/hitoshi/pairchat/internal/database"
	"github.com/hitoshi/pairchat/internal/handler"
	"github.com/hitoshi/pairchat/internal/logger"
	"github.com/hitoshi/pairchat/internal/metrics"
	"github.com/hitoshi/pairchat/internal/middleware"
	"github.com/hitoshi/pairchat/internal/presence"
	"github.com/hitoshi/pairchat/internal/relay"
	"github.com/hitoshi/pairchat/internal/session"
	"github.com/hitoshi/pairchat/internal/user"
	"github.com/hitoshi/pairchat/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの最大待ち時間。
const shutdownTimeout = 30 * time.Second

// output はtoken・useraddの結果の出力先。
var output io.Writer = os.Stdout

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("archive_backend", cfg.ArchiveBackend),
	)

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandToken:
		return runToken(cfg, rest)
	case CommandUserAdd:
		return runUserAdd(cfg, rest)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	return Serve(ctx, cfg, ln)
}

// Serve は全依存関係をワイヤリングし、ctxがキャンセルされるまでlnでHTTPサーバーを動かす。
// キャンセル時は接続中のWebSocketセッションにも終了を通知してからシャットダウンする。
// lnはServeが閉じる。
func Serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	// 1. ストレージ
	st, err := openStores(cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer st.Close()

	// badgerの値ログGCはストレージを閉じる前に止める
	if st.kv != nil {
		gcCtx, stopGC := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			cleanup.NewGCJob(st.kv, slog.Default()).Start(gcCtx, cleanup.DefaultInterval)
		}()
		defer func() {
			stopGC()
			wg.Wait()
		}()
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. ドメインサービスの初期化
	authenticator := auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)
	registry := presence.NewRegistry(collector)
	rly := relay.New(st.messages, collector, relay.Config{
		MaxLength: cfg.MessageMaxLength,
	})
	userService := user.NewService(st.users)

	// 4. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	limiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer limiter.Stop()

	ws := handler.NewWebSocketHandler(
		session.Deps{
			Verifier: authenticator,
			Presence: registry,
			Relay:    rly,
			Metrics:  collector,
		},
		handler.WebSocketConfig{
			AllowedOrigin: cfg.CORSAllowedOrigin,
			ReadLimit:     cfg.WSMaxMessageBytes,
			Session: session.Config{
				AuthTimeout:  cfg.AuthTimeout,
				SendBuffer:   cfg.WSSendBuffer,
				PingInterval: session.DefaultPingInterval,
				MessageRate:  cfg.MessageRate,
				MessageBurst: cfg.MessageBurst,
			},
		},
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Verifier:          authenticator,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		HealthChecker:     st.health,
		Metrics:           collector,
		MetricsGatherer:   reg,
		UserService:       userService,
		HistoryService:    rly,
		WebSocket:         ws,
	})

	// 5. HTTPサーバーの起動
	// セッションはリクエストのコンテキストで動くため、BaseContextのキャンセルで一斉に終了する
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", ln.Addr().String()),
			slog.Int("max_connections", cfg.MaxConnections),
		)
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)

	// アップグレード済みの接続はShutdownの待機対象外なので、ストレージを閉じる前に待つ
	if err := ws.Wait(shutdownCtx); err != nil {
		slog.Warn("websocket sessions did not finish before shutdown timeout",
			slog.String("error", err.Error()),
		)
	}

	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。badgerバックエンドでは何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.ArchiveBackend == config.BackendBadger {
		slog.Info("badger backend has no schema to migrate")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runToken は既存ユーザーの認証トークンを発行して出力する。
func runToken(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pairchat token <user-id>")
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := user.NewService(st.users).Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to find user %q: %w", args[0], err)
	}

	token, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL).Issue(u.ID)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Fprintln(output, token)
	return nil
}

// runUserAdd はユーザーを登録し、採番したIDを出力する。
func runUserAdd(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pairchat useradd <name> <email>")
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := user.NewService(st.users).Register(context.Background(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}

	fmt.Fprintln(output, u.ID)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

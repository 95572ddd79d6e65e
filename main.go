package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "VinoDetServer/Adhoc"
	"VinoDetServer/engine"
	backend "VinoDetServer/gRPC"
	"VinoDetServer/httpapi"
	"VinoDetServer/logger"
	"VinoDetServer/monitor"
	_ "VinoDetServer/runtime/opencv"
	"VinoDetServer/store"
	"VinoDetServer/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(config.Log); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" gRPC    Port:", config.RPCPort)
	fmt.Println(" HTTP    Port:", config.HTTPPort)
	fmt.Println(" Metrics Port:", config.MetricsPort)
	fmt.Println("Configured Workers Num:", config.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if config.WorkersNum > CPUNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workersNum", config.WorkersNum), zap.Int("cpus", CPUNum))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal *store.Store
	if config.JournalPath != "" {
		journal, err = store.New(config.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	reg := engine.NewRegistry()
	defer reg.Close()
	if err := loadEngines(ctx, config, reg, logger.Named("engine")); err != nil {
		return err
	}

	var jr worker.Journal
	var history httpapi.History
	if journal != nil {
		jr, history = journal, journal
	}
	pool := worker.NewPool(config.WorkersNum, logger.Named("worker"), jr)
	defer pool.Close()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	//gRPC server setup
	rpc := backend.NewServer(reg, pool, logger.Named("grpc"), config.ModelDir)
	grpcServer, err := backend.StartGRPCServer(config.RPCPort, rpc)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := &httpapi.Router{
		Registry:    reg,
		Pool:        pool,
		History:     history,
		Log:         logger.Named("http"),
		ModelDir:    config.ModelDir,
		IdleTimeout: config.IdleTimeout,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.HTTPPort),
		Handler:           router.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.StartMon(config.MetricsPort, runCtx); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	if journal != nil && config.JournalRetention > 0 {
		wg.Add(1)
		go pruneJournal(runCtx, &wg, journal, config.JournalRetention, log)
	}

	//Adhoc server setup
	if config.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Error("Failed to get outbound IP", zap.Error(err))
		} else {
			heartbeat := &adhoc.Heartbeat{
				IP:            ip,
				Port:          config.RPCPort,
				HTTPPort:      config.HTTPPort,
				InstanceClass: adhoc.InstanceClassOf(config.devices()...),
				Models:        reg.Names,
			}
			heartbeat.Server.SetAddress(config.RegServerHost, config.RegServerPort)
			wg.Add(1)
			go heartbeat.SendAliveMessage(runCtx, &wg)
		}
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	log.Info("server started", zap.Strings("models", reg.Names()))
	select {
	case <-runCtx.Done():
	case <-rpc.Done():
	}
	log.Warn("shutting down")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	wg.Wait()
	log.Info("Safely exited")
	return nil
}

func pruneJournal(ctx context.Context, wg *sync.WaitGroup, journal *store.Store, retention time.Duration, log *zap.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := journal.Prune(ctx, time.Now().Add(-retention))
		if err != nil && ctx.Err() == nil {
			log.Warn("journal prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("journal pruned", zap.Int64("entries", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	"VinoDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of detection requests by transport",
	}, []string{"transport"})
	inferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_total",
		Help: "Inferences per model by outcome",
	}, []string{"model", "status"})
	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_duration_seconds",
		Help:    "Time spent per pipeline stage",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
	}, []string{"model", "stage"})
	workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workers_busy",
		Help: "Workers currently running a job",
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, requestsTotal, inferenceTotal, stageDuration, workersBusy)
}

func Registry() *prometheus.Registry { return registry }

// ObserveStage records one stage (compile, marshal, infer, decode) of a model.
func ObserveStage(model, stage string, d time.Duration) {
	stageDuration.WithLabelValues(model, stage).Observe(d.Seconds())
}

func CountInference(model, status string) {
	inferenceTotal.WithLabelValues(model, status).Inc()
}

// CountRequest 按入口统计请求数: grpc / http / ws
func CountRequest(transport string) {
	requestsTotal.WithLabelValues(transport).Inc()
}

func WorkerBusy(delta float64) {
	workersBusy.Add(delta)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func checkProcessInfo(p *process.Process) {
	memInfo, err := p.MemoryInfo()
	if err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	cpuPercent, err := p.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func StartMon(port int, ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return Serve(ctx, lis)
}

func Serve(ctx context.Context, lis net.Listener) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		_ = lis.Close()
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server Serve error", zap.Error(err))
		}
	}()
	logger.Log().Info("metrics listening", zap.String("addr", lis.Addr().String()))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			checkProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package Adhoc

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"VinoDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance    = 0x2002
	GpuInstance    = 0x2005
	MyriadInstance = 0x2006
	FpgaInstance   = 0x2007
	HeteroInstance = 0x2008
	TimeOutSeconds = 5
)

// InstanceClassOf maps a device string to the class announced to the
// registration server. Mixed devices across models count as HETERO.
func InstanceClassOf(devices ...string) int {
	class := 0
	for _, d := range devices {
		d = strings.ToUpper(strings.TrimSpace(d))
		var c int
		switch {
		case strings.HasPrefix(d, "HETERO"):
			c = HeteroInstance
		case d == "GPU":
			c = GpuInstance
		case d == "MYRIAD":
			c = MyriadInstance
		case d == "FPGA":
			c = FpgaInstance
		default:
			c = CpuInstance
		}
		if class != 0 && class != c {
			return HeteroInstance
		}
		class = c
	}
	if class == 0 {
		return CpuInstance
	}
	return class
}

type RegisterRequest struct {
	Id            string   `json:"id"`
	IP            string   `json:"ip"`
	Port          int      `json:"port"`
	HTTPPort      int      `json:"httpPort,omitempty"`
	InstanceClass int      `json:"instanceClass"`
	Models        []string `json:"models"`
	TimeStamp     int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

// Heartbeat periodically announces this instance to the registration server.
type Heartbeat struct {
	Server        RegServerConfig
	IP            string
	Port          int
	HTTPPort      int
	InstanceClass int
	// Models is called before every announcement.
	Models   func() []string
	Interval time.Duration

	id     string
	client *resty.Client
}

func (h *Heartbeat) init() {
	if h.Interval <= 0 {
		h.Interval = TimeOutSeconds * time.Second
	}
	if h.id == "" {
		h.id = uuid.NewString()
	}
	if h.client == nil {
		h.client = resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	}
}

// ID is the instance id sent with every announcement.
func (h *Heartbeat) ID() string {
	h.init()
	return h.id
}

func (h *Heartbeat) send(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			ok = false
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var models []string
	if h.Models != nil {
		models = h.Models()
	}
	if models == nil {
		models = []string{}
	}
	var respBody RegisterResponse
	url := fmt.Sprintf("http://%s:%d/api/register", h.Server.Addr, h.Server.Port)
	reqBody := RegisterRequest{
		Id:            h.id,
		IP:            h.IP,
		Port:          h.Port,
		HTTPPort:      h.HTTPPort,
		InstanceClass: h.InstanceClass,
		Models:        models,
		TimeStamp:     time.Now().Unix(),
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(url)
	if err != nil {
		logger.Log().Error("register request error", zap.String("url", url), zap.Error(err))
		return false
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		logger.Log().Error("register server returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return false
	}
	if !respBody.Success {
		logger.Log().Warn("register server rejected instance", zap.String("id", h.id))
		return false
	}
	return true
}

// SendAliveMessage announces immediately and then every Interval until ctx is done.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	h.init()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	h.send(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			h.send(ctx)
		}
	}
}

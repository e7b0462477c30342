// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/influxdata/influxdb-client-go/v2" // influxdb2
	logI "github.com/influxdata/influxdb-client-go/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	lw "github.com/pabigot/logwrap"

	svcInflux "github.com/pabigot/svcutil/influxpool"
	svcInfluxCfg "github.com/pabigot/svcutil/influxpool/config"
)

const (
	cfgEnvKey = "INFLUXPOOL_CONF"
)

type options struct {
	listen         string
	envFile        string
	mainPriority   lw.Priority
	clientPriority lw.Priority
	flushInterval  time.Duration
}

var appOpt options

// logMaker constructs a log.Logger and increases the timestamp precision to
// milliseconds.
func logMaker(inst interface{}) lw.Logger {
	logger := lw.LogLogMaker(inst)
	switch inst.(type) {
	case *svcInflux.Client, *svcInflux.HealthChecker:
		logger.SetPriority(appOpt.clientPriority)
	default:
		logger.SetPriority(appOpt.mainPriority)
	}
	lgr := logger.(*lw.LogLogger).Instance()
	lgr.SetFlags(lgr.Flags() | log.Lmicroseconds)
	return logger
}

func parseConfig(reg prometheus.Registerer) (*svcInfluxCfg.Client, *svcInflux.Client, error) {
	cfg := &svcInfluxCfg.Client{}
	if path, ok := os.LookupEnv(cfgEnvKey); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %v", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, nil, fmt.Errorf("parsing config: %v", err)
		}
	}
	var envFiles []string
	if appOpt.envFile != "" {
		envFiles = append(envFiles, appOpt.envFile)
	}
	if err := cfg.ApplyEnvironment("", envFiles...); err != nil {
		return nil, nil, err
	}
	if cfg.Id == "" {
		cfg.Id = "gateway"
	}
	cfg.Registerer = reg

	opts := influxdb2.DefaultOptions().
		SetLogLevel(logI.WarningLevel)
	c, err := svcInflux.NewClient(cfg, opts, logMaker)
	return cfg, c, err
}

// writeRequest is the body of a point submitted to the gateway.
type writeRequest struct {
	Tags   map[string]string      `json:"tags"`
	Fields map[string]interface{} `json:"fields"`
	Time   *time.Time             `json:"time"`
	Queue  bool                   `json:"queue"`
}

// statusFor maps client errors to gateway response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, svcInflux.ErrPoint),
		errors.Is(err, svcInflux.ErrQuery),
		errors.Is(err, svcInflux.ErrInvalidPrecision),
		errors.Is(err, svcInfluxCfg.ErrConfig):
		return fiber.StatusBadRequest
	case errors.Is(err, svcInflux.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, svcInflux.ErrBackendUnavailable),
		errors.Is(err, svcInflux.ErrClientClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, svcInflux.ErrTimeout):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusBadGateway
}

func errorJSON(ctx *fiber.Ctx, err error) error {
	return ctx.Status(statusFor(err)).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func setupRoutes(app *fiber.App, c *svcInflux.Client, reg *prometheus.Registry, lgr lw.Logger) {
	lpr := lw.MakePriPr(lgr)
	api := app.Group("/api")

	api.Post("/write/:measurement", func(ctx *fiber.Ctx) error {
		var req writeRequest
		if err := ctx.BodyParser(&req); err != nil {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		w := c.Write(ctx.Params("measurement")).Tag(req.Tags).Field(req.Fields)
		if req.Time != nil {
			w.Time(*req.Time)
		}
		var err error
		if req.Queue {
			err = w.Queue()
		} else {
			err = w.Exec(ctx.UserContext())
		}
		if err != nil {
			return errorJSON(ctx, err)
		}
		return ctx.SendStatus(fiber.StatusNoContent)
	})

	api.Get("/query", func(ctx *fiber.Ctx) error {
		q := ctx.Query("q")
		if q == "" {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "q required",
			})
		}
		var rsp *svcInflux.Response
		var err error
		if ctx.QueryBool("queue") {
			if err = c.QueueQuery(q); err == nil {
				return ctx.SendStatus(fiber.StatusAccepted)
			}
		} else {
			rsp, err = c.QueryRaw(ctx.UserContext(), q)
		}
		if err != nil {
			return errorJSON(ctx, err)
		}
		if rsp.Format == svcInfluxCfg.FormatCSV {
			ctx.Set(fiber.HeaderContentType, "application/csv")
			return ctx.SendString(rsp.CSV)
		}
		if rsp.Format == svcInfluxCfg.FormatJSON {
			return ctx.JSON(rsp.Rows())
		}
		return ctx.JSON(rsp)
	})

	api.Post("/sync", func(ctx *fiber.Ctx) error {
		n, err := c.SyncWrite(ctx.UserContext())
		if err != nil {
			lpr.N("sync: %s; %d points remain queued", err.Error(), c.WriteQueueLength())
			return errorJSON(ctx, err)
		}
		rsp, err := c.SyncQuery(ctx.UserContext(), "")
		if err != nil {
			return errorJSON(ctx, err)
		}
		return ctx.JSON(fiber.Map{
			"written": n,
			"results": rsp.Results,
		})
	})

	api.Get("/servers", func(ctx *fiber.Ctx) error {
		var out []fiber.Map
		for _, s := range c.Pool().Servers() {
			st := s.Status()
			out = append(out, fiber.Map{
				"url":       s.URL(),
				"available": st.Available,
				"failures":  st.Failures,
				"status":    st.String(),
			})
		}
		return ctx.JSON(out)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

// flushLoop periodically sends the write queue.  Points that could not be
// delivered stay queued for the next attempt.
func flushLoop(ctx context.Context, c *svcInflux.Client, lgr lw.Logger) {
	lpr := lw.MakePriPr(lgr)
	tmr := time.NewTicker(appOpt.flushInterval)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tmr.C:
		}
		n, err := c.SyncWrite(ctx)
		var fe *svcInflux.FlushError
		if errors.As(err, &fe) {
			lpr.N("flush of %d points failed: %s", fe.Batch.NumPoints(), err.Error())
		} else if err != nil {
			lpr.N("flush: %s", err.Error())
		} else if n > 0 {
			lpr.D("flushed %d points", n)
		}
	}
}

// eventLoop reports points that did not match their schema.
func eventLoop(ch <-chan svcInflux.Event, lgr lw.Logger) {
	lpr := lw.MakePriPr(lgr)
	for ev := range ch {
		keys := make([]string, 0, len(ev.Failures))
		for _, f := range ev.Failures {
			keys = append(keys, fmt.Sprintf("%s(%s)", f.Key, f.Category))
		}
		lpr.N("%s %s: %s", ev.Measurement, ev.Kind, strings.Join(keys, " "))
	}
}

func main() {
	opt := &appOpt
	desc := "address on which the gateway listens"
	flag.StringVar(&opt.listen, "listen", ":8080", desc)
	flag.StringVar(&opt.listen, "L", ":8080", desc+" (short)")
	desc = "dotenv file providing configuration overrides"
	flag.StringVar(&opt.envFile, "env-file", "", desc)
	flag.StringVar(&opt.envFile, "E", "", desc+" (short)")
	desc = "log priority for main"
	opt.mainPriority = lw.Info
	flag.Var(&opt.mainPriority, "main-priority", desc)
	flag.Var(&opt.mainPriority, "M", desc+" (short)")
	desc = "log priority for client"
	opt.clientPriority = lw.Info
	flag.Var(&opt.clientPriority, "client-priority", desc)
	flag.Var(&opt.clientPriority, "C", desc+" (short)")
	desc = "interval between write queue flushes"
	flag.DurationVar(&opt.flushInterval, "flush-interval", time.Second, desc)
	flag.DurationVar(&opt.flushInterval, "F", time.Second, desc+" (short)")
	flag.Parse()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	lgr := logMaker(nil)
	lgr.SetId("main")
	lpr := lw.MakePriPr(lgr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	cfg, c, err := parseConfig(reg)
	if err != nil {
		panic(err)
	}
	if lgr.Priority() <= lw.Info {
		y, _ := yaml.Marshal(cfg)
		lpr.I("config:\n%s", string(y))
	}
	c.StartHealthCheck()

	ctx, cancel := context.WithCancel(context.Background())
	go flushLoop(ctx, c, lgr)
	go eventLoop(c.RequestEventChan(16, svcInflux.EventInvalidFields,
		svcInflux.EventInvalidTags), lgr)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	setupRoutes(app, c, reg, lgr)

	go func() {
		s := <-sigc
		lpr.N("shutdown on signal: %s", s)
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer sdCancel()
		if err := app.ShutdownWithContext(sdCtx); err != nil {
			lpr.N("shutdown: %s", err.Error())
		}
	}()

	lpr.N("listening on %s", opt.listen)
	if err := app.Listen(opt.listen); err != nil {
		lpr.N("listen: %s", err.Error())
	}
	cancel()

	// Deliver anything queued before the flush loop noticed shutdown.
	fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n, err := c.SyncWrite(fctx); err != nil {
		lpr.N("final flush: %s", err.Error())
	} else {
		lpr.I("final flush wrote %d points", n)
	}
	fcancel()
	c.Close()
	lpr.N("done")
}

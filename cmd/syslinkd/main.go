/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command syslinkd runs two processors over one region mapped from
// /dev/shm and keeps a ping-pong MessageQ exchange going between them. It
// serves prometheus metrics on /metrics and the health of processor 0 on
// /live and /ready.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/syslink-ipc/internal/log"
	"github.com/srediag/syslink-ipc/internal/shm"
	"github.com/srediag/syslink-ipc/pkg/ipc"
	"github.com/srediag/syslink-ipc/pkg/messageq"
	"github.com/srediag/syslink-ipc/pkg/sharedregion"
	"github.com/srediag/syslink-ipc/pkg/status"
)

var logger = log.New("syslinkd")

var (
	listen     = flag.String("listen", ":20000", "address serving /metrics, /live and /ready")
	regionSize = flag.Int("region-size", 4<<20, "bytes of shared region 0")
	shmName    = flag.String("shm-name", "syslinkd", "file under /dev/shm backing region 0")
	interval   = flag.Duration("interval", 10*time.Millisecond, "pause between pings")

	rounds uint64
	errs   uint64
)

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	region, err := shm.MapRegion(ctx, shm.MapOptions{Name: *shmName, Size: *regionSize, Create: true, Unlink: true})
	if err != nil {
		return fmt.Errorf("map region: %w", err)
	}
	defer func() {
		if err := shm.UnmapRegion(context.Background(), region); err != nil {
			logger.Warnf("unmap region: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ipc.NewMetrics(reg)

	var procs []*ipc.Processor
	for id := uint16(0); id < 2; id++ {
		cfg := ipc.DefaultConfig(id)
		cfg.Metrics = metrics
		cfg.Regions = []sharedregion.Entry{{
			Name:          "SR0",
			Base:          sharedregion.Addr(0x10000000 * (int(id) + 1)),
			Mem:           region.Addr,
			CacheLineSize: sharedregion.DefaultCacheLineSize,
			CacheEnabled:  true,
		}}
		p, err := ipc.NewProcessor(cfg)
		if err != nil {
			return err
		}
		if err := p.Setup(ctx); err != nil {
			return err
		}
		procs = append(procs, p)
	}
	defer func() {
		for i := len(procs) - 1; i >= 0; i-- {
			if err := procs[i].Destroy(); err != nil {
				logger.Warnf("destroy %s: %v", procs[i], err)
			}
		}
	}()
	if err := ipc.Connect(procs[0], procs[1]); err != nil {
		return err
	}
	for _, p := range procs {
		if err := p.MessageQ().RegisterHeap(p.RegionHeap(0), 0); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	health := procs[0].HealthHandler()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
		}
	}()
	logger.Infof("serving on %s, region %s (%d bytes)", *listen, *shmName, *regionSize)

	echo, err := procs[1].MessageQ().Create("echo", messageq.DefaultParams())
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		serve(ctx, procs[1].MessageQ(), echo)
	}()
	go func() {
		defer wg.Done()
		report(ctx)
	}()

	err = ping(ctx, procs[0].MessageQ())
	echo.Unblock()
	wg.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warnf("http shutdown: %v", serr)
	}
	return err
}

// serve bounces every message back to its reply queue.
func serve(ctx context.Context, mq *messageq.Module, q *messageq.Queue) {
	for {
		msg, err := q.Get(ctx, messageq.WaitForever)
		if err != nil {
			if !errors.Is(err, status.ErrUnblocked) && !errors.Is(err, status.ErrInterrupted) {
				logger.Errorf("echo: %v", err)
			}
			return
		}
		if err := mq.Put(ctx, msg.ReplyQueue(), msg); err != nil {
			atomic.AddUint64(&errs, 1)
			logger.Warnf("echo reply: %v", err)
			release(mq, msg)
		}
	}
}

func ping(ctx context.Context, mq *messageq.Module) error {
	reply, err := mq.Create("pinger", messageq.DefaultParams())
	if err != nil {
		return err
	}
	defer func() {
		if err := mq.Delete(reply); err != nil {
			logger.Warnf("delete reply queue: %v", err)
		}
	}()
	dst, err := mq.Open(ctx, "echo")
	if err != nil {
		return err
	}
	tick := time.NewTicker(*interval)
	defer tick.Stop()
	for seq := uint16(0); ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		msg, err := mq.Alloc(0, messageq.HeaderSize+8)
		if err != nil {
			return err
		}
		msg.SetMsgId(seq)
		msg.SetReplyQueue(reply.Id())
		if err := mq.Put(ctx, dst, msg); err != nil {
			atomic.AddUint64(&errs, 1)
			logger.Warnf("ping %d: %v", seq, err)
			release(mq, msg)
			continue
		}
		back, err := reply.Get(ctx, time.Second)
		if err != nil {
			if errors.Is(err, status.ErrInterrupted) {
				return nil
			}
			atomic.AddUint64(&errs, 1)
			logger.Warnf("pong %d: %v", seq, err)
			continue
		}
		if back.MsgId() != seq {
			logger.Warnf("pong %d carries id %d", seq, back.MsgId())
		}
		release(mq, back)
		atomic.AddUint64(&rounds, 1)
	}
}

func release(mq *messageq.Module, msg messageq.Msg) {
	if err := mq.Free(msg); err != nil {
		logger.Warnf("free %s: %v", msg, err)
	}
}

func report(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	last := uint64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			cur := atomic.LoadUint64(&rounds)
			logger.Infof("round trips/s: %d errors: %d total: %d", cur-last, atomic.LoadUint64(&errs), cur)
			last = cur
		}
	}
}

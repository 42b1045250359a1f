//go:build linux || darwin || freebsd || dragonfly
// +build linux darwin freebsd dragonfly

package main

import (
	"flag"
	"net"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/zput/zwire/net/protocol"
	"github.com/zput/zwire/net/sendqueue"
	"github.com/zput/zwire/net/wire"
	"go.uber.org/zap"
)

// connState rides in the user value slot of every accepted connection.
type connState struct {
	out        *sendqueue.Queue
	lastActive atomic.Int64
}

func (c *connState) touch() {
	c.lastActive.Store(time.Now().Unix())
}

type echoServer struct {
	w    *wire.Wire
	log  *zap.SugaredLogger
	tw   *timingwheel.TimingWheel
	idle time.Duration
}

func (s *echoServer) OnDatagram(h protocol.Handle, ctx *any, from *net.UDPAddr, payload []byte) {
	if !s.w.SendDatagram(h, from, payload) {
		s.log.Warnf("udp echo to %s dropped", from)
	}
}

func (s *echoServer) OnTCPConnect(h protocol.Handle, ctx *any, success bool) {
	// The server never dials out.
}

func (s *echoServer) OnTCPAccept(listener, accepted protocol.Handle, listenerCtx, acceptedCtx *any, peer *net.TCPAddr) {
	st := &connState{out: sendqueue.New()}
	st.touch()
	*acceptedCtx = st

	s.log.Infof("accepted %s", peer)
	s.scheduleIdleCheck(accepted, st, s.idle)
}

func (s *echoServer) OnTCPClose(h protocol.Handle, ctx *any) {
	if st, ok := (*ctx).(*connState); ok {
		st.out.Release()
	}
	s.log.Infof("closed connection")
}

func (s *echoServer) OnTCPData(h protocol.Handle, ctx *any, payload []byte) {
	st := (*ctx).(*connState)
	st.touch()

	if !st.out.Empty() {
		// Keep ordering: earlier bytes are still pending.
		st.out.Push(payload)
		return
	}
	n := s.w.Send(h, payload)
	if n < len(payload) {
		st.out.Push(payload[n:])
		_ = s.w.SetNotifyWritable(h, true)
	}
}

func (s *echoServer) OnTCPWritable(h protocol.Handle, ctx *any) {
	st := (*ctx).(*connState)
	drained := st.out.Flush(func(p []byte) int {
		return s.w.Send(h, p)
	})
	if drained {
		_ = s.w.SetNotifyWritable(h, false)
	}
}

// scheduleIdleCheck closes connections that stay silent longer than the
// idle window. The wheel fires on its own goroutine, so the actual close is
// handed to the poll goroutine via RunInLoop.
func (s *echoServer) scheduleIdleCheck(h protocol.Handle, st *connState, after time.Duration) {
	s.tw.AfterFunc(after, func() {
		s.w.RunInLoop(func() {
			if _, err := s.w.Context(h); err != nil {
				return // already gone
			}
			quiet := time.Since(time.Unix(st.lastActive.Load(), 0))
			if quiet >= s.idle {
				s.log.Infof("closing idle connection (quiet %s)", quiet.Round(time.Second))
				_ = s.w.Close(h, true)
				return
			}
			s.scheduleIdleCheck(h, st, s.idle-quiet)
		})
	})
}

func main() {
	var (
		tcpAddr = flag.String("tcp", "127.0.0.1:9100", "tcp echo listen address")
		udpAddr = flag.String("udp", "127.0.0.1:9100", "udp echo bind address")
		idle    = flag.Duration("idle", 60*time.Second, "close connections idle longer than this")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	server := &echoServer{
		log:  log,
		tw:   timingwheel.NewTimingWheel(100*time.Millisecond, 600),
		idle: *idle,
	}

	server.w, err = wire.New(server,
		protocol.WithNoDelay(true),
		protocol.WithLogger(log),
	)
	if err != nil {
		log.Fatalf("create reactor: %v", err)
	}
	defer server.w.Shutdown()

	server.tw.Start()
	defer server.tw.Stop()

	taddr, err := net.ResolveTCPAddr("tcp", *tcpAddr)
	if err != nil {
		log.Fatalf("resolve %s: %v", *tcpAddr, err)
	}
	if _, err := server.w.Listen(taddr, nil); err != nil {
		log.Fatalf("listen %s: %v", taddr, err)
	}

	uaddr, err := net.ResolveUDPAddr("udp", *udpAddr)
	if err != nil {
		log.Fatalf("resolve %s: %v", *udpAddr, err)
	}
	if _, err := server.w.BindDatagram(uaddr, nil, 1<<20); err != nil {
		log.Fatalf("bind %s: %v", uaddr, err)
	}

	log.Infof("echo serving tcp=%s udp=%s sockets=%d/%d",
		taddr, uaddr, server.w.Count(), server.w.MaxCount())

	for {
		if err := server.w.Poll(time.Second); err != nil {
			log.Errorf("poll: %v", err)
			return
		}
	}
}

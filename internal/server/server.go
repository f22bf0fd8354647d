// Package server implements the skill server runtime: subscribe to a
// topic on the proxy's XPUB endpoint, dispatch incoming requests to a
// fixed worker pool, resolve and execute the matched skill, and publish
// the response on the proxy's XSUB endpoint.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skillscale/skillscale/internal/config"
	"github.com/skillscale/skillscale/internal/discovery"
	"github.com/skillscale/skillscale/internal/errs"
	"github.com/skillscale/skillscale/internal/frame"
	"github.com/skillscale/skillscale/internal/limits"
	"github.com/skillscale/skillscale/internal/matcher"
	"github.com/skillscale/skillscale/internal/obs"
	"github.com/skillscale/skillscale/internal/proto"
	"github.com/skillscale/skillscale/internal/sandbox"
)

const subscribeMarker = "\x00SUB"

// SnapshotSource supplies the server's current view of available
// skills; satisfied by *discovery.Watcher or a fixed wrapper around a
// single *discovery.Snapshot, so the server never depends on a global.
type SnapshotSource interface {
	Current() *discovery.Snapshot
}

// staticSnapshot adapts a single Snapshot to SnapshotSource, for
// servers that don't want hot-rescan.
type staticSnapshot struct{ snap *discovery.Snapshot }

func (s staticSnapshot) Current() *discovery.Snapshot { return s.snap }

// Static wraps a fixed Snapshot as a SnapshotSource.
func Static(snap *discovery.Snapshot) SnapshotSource { return staticSnapshot{snap: snap} }

// Server is one skill server process bound to a single topic.
type Server struct {
	cfg      config.ServerConfig
	logger   zerolog.Logger
	metrics  *obs.Metrics
	snapshot SnapshotSource
	match    matcher.MatchFn
	sandbox  *sandbox.Sandbox
	monitor  *obs.SystemMonitor

	subConn net.Conn
	pubConn net.Conn
	writeMu sync.Mutex

	ring *limits.Ring[frame.Frame]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Server. match selects a skill in task mode; sb executes
// matched skills; snapshot supplies the current skill set (static or
// hot-reloading).
func New(cfg config.ServerConfig, logger zerolog.Logger, metrics *obs.Metrics, snapshot SnapshotSource, match matcher.MatchFn, sb *sandbox.Sandbox) *Server {
	logger = logger.With().Str("topic", cfg.Topic).Logger()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		snapshot: snapshot,
		match:    match,
		sandbox:  sb,
		monitor:  obs.NewSystemMonitor(logger, metrics, time.Second, cfg.CPURejectPct),
		ring:     limits.NewRing[frame.Frame](cfg.QueueSize),
	}
}

// Run dials both proxy endpoints, subscribes to the configured topic,
// and blocks running the dispatcher and worker pool until ctx is
// cancelled, at which point it shuts down gracefully within
// ShutdownGrace before returning.
func (s *Server) Run(ctx context.Context) error {
	var d net.Dialer

	sub, err := d.DialContext(ctx, "tcp", config.TrimScheme(s.cfg.ProxyXPUB))
	if err != nil {
		return err
	}
	s.subConn = sub

	if err := frame.Encode(s.subConn, []byte(subscribeMarker), []byte(s.cfg.Topic)); err != nil {
		sub.Close()
		return err
	}
	time.Sleep(s.cfg.SettleTime)

	pub, err := d.DialContext(ctx, "tcp", config.TrimScheme(s.cfg.ProxyXSUB))
	if err != nil {
		sub.Close()
		return err
	}
	s.pubConn = pub

	s.stopCh = make(chan struct{})

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go s.monitor.Run(monitorCtx)

	s.wg.Add(1)
	go s.dispatch()

	for i := 0; i < s.cfg.PoolSize; i++ {
		s.wg.Add(1)
		go s.work(i)
	}

	s.logger.Info().
		Str("xpub", s.cfg.ProxyXPUB).
		Str("xsub", s.cfg.ProxyXSUB).
		Int("pool_size", s.cfg.PoolSize).
		Msg("skill server listening")

	<-ctx.Done()
	return s.shutdown()
}

// shutdown closes the stop signal, releases the SUB socket so the
// dispatcher unblocks from its read, gives workers ShutdownGrace to
// drain the ring, then returns regardless — any workers still running
// past the grace window are abandoned.
func (s *Server) shutdown() error {
	close(s.stopCh)
	s.subConn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Msg("skill server: shutdown grace window expired, workers abandoned")
	}

	s.pubConn.Close()
	return nil
}

// dispatch reads frames off the SUB connection and pushes them onto the
// bounded ring, never blocking on I/O. On ring overflow it drops the
// oldest undelivered frame.
func (s *Server) dispatch() {
	defer s.wg.Done()
	defer obs.RecoverPanic(s.logger, "dispatcher", nil)

	var lastDropped int64
	for {
		f, err := frame.Decode(s.subConn)
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Debug().Err(err).Msg("dispatcher: decode failed, stopping")
			}
			return
		}

		s.ring.Push(f)
		if dropped := s.ring.Dropped(); dropped > lastDropped {
			n := dropped - lastDropped
			lastDropped = dropped
			if s.metrics != nil {
				s.metrics.DispatcherDropped.Add(float64(n))
			}
			s.logger.Warn().Int64("dropped", n).Msg("dispatcher: queue full, dropped oldest frame")
		}
	}
}

// work runs one worker's dequeue/process loop. Workers complete in
// arbitrary order — the fabric makes no ordering guarantee across
// requests.
func (s *Server) work(id int) {
	defer s.wg.Done()
	defer obs.RecoverPanic(s.logger, "worker", map[string]any{"worker_id": id})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if f, ok := s.ring.Pop(); ok {
			s.handle(f)
			continue
		}

		select {
		case <-s.stopCh:
			// The dispatcher has already stopped reading new frames by
			// the time stopCh closes, and Pop above found the ring
			// empty, so there is nothing left to drain.
			return
		case <-s.ring.Notify():
		case <-ticker.C:
		}
	}
}

// handle runs the parse/select/execute/publish pipeline for one frame.
func (s *Server) handle(f frame.Frame) {
	if s.metrics != nil {
		s.metrics.RequestsInFlight.Inc()
		defer s.metrics.RequestsInFlight.Dec()
	}
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ResponseLatency.Observe(time.Since(start).Seconds())
		}
	}()

	req, err := proto.UnmarshalRequest(f.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("worker: malformed request payload, discarding")
		s.countOutcome("malformed")
		return
	}
	// Every subsequent log line for this request carries its request_id,
	// so a single invocation's full path can be grepped out of a busy
	// server's logs.
	log := s.logger.With().Str("request_id", req.RequestID).Str("topic", s.cfg.Topic).Logger()

	if err := req.Validate(); err != nil {
		if req.ReplyTo != "" {
			s.respondError(req, "malformed request")
		}
		log.Debug().Err(err).Msg("worker: request failed validation")
		s.countOutcome("malformed")
		return
	}

	if s.monitor.Overloaded() {
		s.respondError(req, "server overloaded, request shed")
		if s.metrics != nil {
			s.metrics.DispatcherShed.Inc()
		}
		log.Warn().Msg("worker: shed request, system overloaded")
		s.countOutcome("shed")
		return
	}

	body, _ := proto.ParseIntent(req.Intent)
	execInput := body.ExecInput(req.Intent)

	snap := s.snapshot.Current()
	skillName, err := s.resolveSkill(snap, body, req.Intent)
	if err != nil {
		s.respondError(req, err.Error())
		log.Debug().Err(err).Msg("worker: skill resolution failed")
		s.countOutcome("no_match")
		return
	}
	log = log.With().Str("skill", skillName).Logger()

	entry, ok := snap.Skill(skillName)
	if !ok {
		s.respondError(req, "Skill '"+skillName+"' not found")
		s.countOutcome("not_found")
		return
	}

	detail, err := discovery.LoadDetail(entry)
	if err != nil || detail.ScriptPath == "" {
		s.respondError(req, "no runnable for skill "+skillName)
		log.Warn().Err(err).Msg("worker: skill has no runnable executable")
		s.countOutcome("no_runnable")
		return
	}

	result := s.sandbox.Execute(context.Background(), detail, execInput, s.cfg.ExecTimeout)
	if s.metrics != nil {
		s.metrics.ExecDuration.Observe(time.Since(start).Seconds())
	}
	if result.StdoutTruncated || result.StderrTruncated {
		log.Warn().
			Bool("stdout_truncated", result.StdoutTruncated).
			Bool("stderr_truncated", result.StderrTruncated).
			Msg("worker: skill output truncated at capture cap")
	}

	switch {
	case result.Err != nil:
		s.respondError(req, result.Err.Error())
		if s.metrics != nil {
			s.metrics.ExecFailuresTotal.Inc()
		}
		log.Warn().Err(result.Err).Msg("worker: skill execution errored")
		s.countOutcome("exec_error")
	case !result.Success:
		s.respondError(req, (&errs.ExecFailure{ExitCode: result.ExitCode, Stderr: result.Stderr}).Error())
		if s.metrics != nil {
			s.metrics.ExecFailuresTotal.Inc()
		}
		log.Debug().Int("exit_code", result.ExitCode).Msg("worker: skill exited non-zero")
		s.countOutcome("exec_failure")
	default:
		s.respondSuccess(req, result.Stdout)
		log.Debug().Dur("duration", time.Since(start)).Msg("worker: skill succeeded")
		s.countOutcome("success")
	}
}

// resolveSkill implements the skill resolution order: the single-skill
// shortcut always wins; otherwise an explicit skill name must exist in
// the snapshot; otherwise the configured matcher picks one from the
// candidates built for this topic.
func (s *Server) resolveSkill(snap *discovery.Snapshot, body proto.IntentBody, rawIntent string) (string, error) {
	skills := snap.SkillsForTopic(s.cfg.Topic)
	if len(skills) == 1 {
		return skills[0].Name, nil
	}

	if body.Skill != "" {
		if _, ok := snap.Skill(body.Skill); ok {
			return body.Skill, nil
		}
		return "", notFoundError{name: body.Skill}
	}

	if s.match == nil || len(skills) == 0 {
		return "", errs.ErrMatcherNoMatch
	}

	candidates := make([]matcher.CandidateSkill, len(skills))
	for i, sk := range skills {
		candidates[i] = matcher.CandidateSkill{Name: sk.Name, Description: sk.Description}
	}

	task := body.Task
	if task == "" {
		task = rawIntent
	}

	name, err := s.match(context.Background(), task, candidates)
	if err != nil || name == "" || name == matcher.NoMatch {
		return "", errs.ErrMatcherNoMatch
	}
	if _, ok := snap.Skill(name); !ok {
		return "", errs.ErrMatcherNoMatch
	}
	return name, nil
}

type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "Skill '" + e.name + "' not found" }

func (s *Server) respondSuccess(req proto.RequestEnvelope, content string) {
	s.publish(req.ReplyTo, proto.ResponseEnvelope{
		RequestID: req.RequestID,
		Status:    proto.StatusSuccess,
		Content:   content,
		Timestamp: nowSeconds(),
	})
}

func (s *Server) respondError(req proto.RequestEnvelope, message string) {
	if req.ReplyTo == "" {
		return
	}
	s.publish(req.ReplyTo, proto.ResponseEnvelope{
		RequestID: req.RequestID,
		Status:    proto.StatusError,
		Error:     message,
		Timestamp: nowSeconds(),
	})
}

func (s *Server) publish(topic string, resp proto.ResponseEnvelope) {
	payload, err := proto.MarshalResponse(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("worker: marshal response failed")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := frame.Encode(s.pubConn, []byte(topic), payload); err != nil {
		s.logger.Warn().Err(err).Msg("worker: publish response failed")
	}
}

func (s *Server) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

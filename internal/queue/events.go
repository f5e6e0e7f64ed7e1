package queue

import (
	"time"

	"github.com/fleepzon/apkforge/internal/job"
)

// SubscribeEvents returns the retained events after since and, for a build
// that is not yet terminal, a channel of live events. The returned func
// unsubscribes.
func (m *Manager) SubscribeEvents(buildID string, since int64) ([]job.Event, <-chan job.Event, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.builds[buildID]
	if !ok {
		return nil, nil, nil, false
	}

	backlog := m.eventsSinceLocked(buildID, since)
	if e.rec.Terminal() {
		if len(backlog) == 0 {
			backlog = []job.Event{m.snapshotEventLocked(e.rec, "snapshot")}
		}
		return backlog, nil, func() {}, true
	}

	buf := m.subscriberBuf
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan job.Event, buf)
	if m.subscribers[buildID] == nil {
		m.subscribers[buildID] = map[chan job.Event]struct{}{}
	}
	m.subscribers[buildID][ch] = struct{}{}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribeLocked(buildID, ch)
	}
	return backlog, ch, cancel, true
}

func (m *Manager) unsubscribeLocked(buildID string, ch chan job.Event) {
	subs := m.subscribers[buildID]
	if subs == nil {
		return
	}
	if _, ok := subs[ch]; ok {
		delete(subs, ch)
		close(ch)
	}
	if len(subs) == 0 {
		delete(m.subscribers, buildID)
	}
}

func (m *Manager) eventsSinceLocked(buildID string, since int64) []job.Event {
	src := m.events[buildID]
	if len(src) == 0 {
		return nil
	}
	out := make([]job.Event, 0, len(src))
	for _, ev := range src {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

// snapshotEventLocked describes a record without consuming a sequence
// number; recovered builds have no retained events.
func (m *Manager) snapshotEventLocked(rec *job.Record, eventType string) job.Event {
	ev := eventFor(rec, eventType)
	ev.Seq = m.nextEventSeq[rec.ID]
	return ev
}

func (m *Manager) emitEventLocked(rec *job.Record, eventType string) {
	seq := m.nextEventSeq[rec.ID] + 1
	m.nextEventSeq[rec.ID] = seq

	ev := eventFor(rec, eventType)
	ev.Seq = seq
	list := append(m.events[rec.ID], ev)
	if len(list) > m.maxEventsPerJob {
		list = list[len(list)-m.maxEventsPerJob:]
	}
	m.events[rec.ID] = list

	for ch := range m.subscribers[rec.ID] {
		publishEvent(ch, ev)
	}
	if ev.Terminal() {
		for ch := range m.subscribers[rec.ID] {
			m.unsubscribeLocked(rec.ID, ch)
		}
	}
}

func eventFor(rec *job.Record, eventType string) job.Event {
	var heartbeat *time.Time
	if rec.HeartbeatAt != nil {
		hb := rec.HeartbeatAt.UTC()
		heartbeat = &hb
	}
	var exitCode *int
	if rec.ExitCode != nil {
		ec := *rec.ExitCode
		exitCode = &ec
	}
	ev := job.Event{
		BuildID:        rec.ID,
		PackageID:      rec.Request.PackageID,
		Type:           eventType,
		State:          rec.State,
		Step:           rec.CurrentStep,
		Message:        rec.Message,
		Error:          rec.Error,
		FailureKind:    rec.FailureKind,
		FailureSummary: rec.FailureSummary,
		HeartbeatAt:    heartbeat,
		ExitCode:       exitCode,
		At:             time.Now().UTC(),
	}
	if rec.Result != nil {
		ev.ArtifactPath = rec.Result.ArtifactPath
		ev.DownloadURL = rec.Result.DownloadURL
	}
	return ev
}

func publishEvent(ch chan job.Event, ev job.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	// Slow subscribers may miss progress events.
	if !ev.Terminal() {
		return
	}

	// Terminal events are always delivered: evict one queued event and retry.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

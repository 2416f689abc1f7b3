// Package session implements the LGMP header handshake and host-liveness
// watchdog (the header-and-session half of the transport; the two queues
// it hands descriptors to live in internal/queue).
//
// Layout note: the KVMFR header (wire.Header) carries no liveness field of
// its own in the upstream format; liveness is tracked by a small fixed
// prefix this client places immediately before it, mirroring how the real
// LGMP library wraps a client-visible header with its own bookkeeping. The
// layout is:
//
//	offset 0                 : sessionHeader (8 bytes: heartbeat, sessionID)
//	offset sessionHeaderSize : wire.Header
//	...                      : wire.Header's TLV record area
package session

import (
	"context"
	"time"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

const sessionHeaderSize = 8

// Info is the parsed, validated state of the header: everything the rest
// of the client needs once a session is confirmed live.
type Info struct {
	HostVersion string
	Features    uint32
	VMInfo      *wire.VMInfo
	OSInfo      *wire.OSInfo
}

// Session tracks a single host lifetime: from the moment its heartbeat is
// first observed to the moment it stalls or a backward jump is seen.
type Session struct {
	region        interfaces.Region
	logger        interfaces.Logger
	recordAreaLen int64

	lastHeartbeat uint32
	lastSeen      time.Time
	sessionID     uint32
}

// New wraps a mapped region. recordAreaLen bounds the header's trailing TLV
// area; bytes past it belong to the queues laid out after the header (by
// the root package's computeLayout), not to this session. It performs no I/O; call Init to wait for a
// live host.
func New(region interfaces.Region, logger interfaces.Logger, recordAreaLen int64) *Session {
	return &Session{region: region, logger: logger, recordAreaLen: recordAreaLen}
}

// Init blocks until the header reports a live session, returning its
// parsed contents. A host that has not started and a host with an
// incompatible version are both retried until ctx ends; only the latter
// is logged as a warning, and the error returned on cancellation is
// ctx.Err() in both cases, so the caller cannot tell them apart from it.
func (s *Session) Init(ctx context.Context) (*Info, error) {
	deadlineLogged := false
	start := time.Now()
	for {
		info, err := s.tryInit()
		if err == nil {
			return info, nil
		}
		// A host that has not started yet (CodeNotReady) and a host
		// speaking the wrong KVMFR version (CodeProtocolMismatch) are both
		// conditions the host can resolve on its own — a not-yet-started
		// process eventually publishes, and an old build can be upgraded in
		// place to write a matching version. Keep polling either way;
		// anything else (malformed header, I/O failure) is fatal.
		if !protoerr.HasCode(err, protoerr.CodeNotReady) && !protoerr.HasCode(err, protoerr.CodeProtocolMismatch) {
			return nil, err
		}
		if protoerr.HasCode(err, protoerr.CodeProtocolMismatch) {
			s.logger.Warnf("session: %v", err)
		}
		if !deadlineLogged && time.Since(start) > constants.SessionGraceWindow {
			s.logger.Debugf("session: still waiting for host after %s", constants.SessionGraceWindow)
			deadlineLogged = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(constants.HeartbeatPollInterval):
		}
	}
}

func (s *Session) tryInit() (*Info, error) {
	// Heartbeat and sessionID are updated by the host outside any lock this
	// side can see, so they're read with the fenced accessor (spec.md
	// §4.C); the header and its TLV record area beyond them are written
	// once at session start and are safe to bulk-copy.
	heartbeat, err := s.region.ReadUint32At(0)
	if err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeFatal, err)
	}
	sessionID, err := s.region.ReadUint32At(4)
	if err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeFatal, err)
	}
	if heartbeat == 0 {
		return nil, protoerr.New("session.Init", protoerr.CodeNotReady, "heartbeat not yet published")
	}

	raw := make([]byte, wire.HeaderSize)
	if _, err := s.region.ReadAt(raw, sessionHeaderSize); err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeFatal, err)
	}

	hdr, err := wire.DecodeHeader(raw)
	if err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeMalformed, err)
	}
	if hdr.MagicString() != constants.KVMFRMagic {
		return nil, protoerr.New("session.Init", protoerr.CodeNotReady, "magic not present")
	}
	if hdr.Version != constants.KVMFRVersion {
		return nil, protoerr.New("session.Init", protoerr.CodeProtocolMismatch,
			"host speaks an incompatible KVMFR version")
	}

	recordAreaOff := int64(sessionHeaderSize + wire.HeaderSize)
	if recordAreaOff+s.recordAreaLen > s.region.Size() {
		return nil, protoerr.New("session.Init", protoerr.CodeMalformed, "region too small for header")
	}
	recordBuf := make([]byte, s.recordAreaLen)
	if _, err := s.region.ReadAt(recordBuf, recordAreaOff); err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeFatal, err)
	}
	records, err := wire.DecodeRecords(recordBuf)
	if err != nil {
		return nil, protoerr.Wrap("session.Init", protoerr.CodeMalformed, err)
	}

	info := &Info{HostVersion: hdr.HostVerString(), Features: hdr.Features}
	for _, rec := range records {
		switch rec.Type {
		case constants.RecordTypeVMInfo:
			vm, err := wire.DecodeVMInfo(rec.Data)
			if err != nil {
				return nil, protoerr.Wrap("session.Init", protoerr.CodeMalformed, err)
			}
			info.VMInfo = &vm
		case constants.RecordTypeOSInfo:
			os, err := wire.DecodeOSInfo(rec.Data)
			if err != nil {
				return nil, protoerr.Wrap("session.Init", protoerr.CodeMalformed, err)
			}
			info.OSInfo = &os
		default:
			s.logger.Debugf("session: ignoring unknown record type %d", rec.Type)
		}
	}

	s.lastHeartbeat = heartbeat
	s.lastSeen = time.Now()
	s.sessionID = sessionID
	return info, nil
}

// Valid is the liveness poll: it reports whether the heartbeat has
// advanced since the last call within the grace window, and whether the
// session identifier is unchanged (a backward or changed session ID means
// the host restarted and the caller must reinitialize).
func (s *Session) Valid() bool {
	heartbeat, err := s.region.ReadUint32At(0)
	if err != nil {
		return false
	}
	sessionID, err := s.region.ReadUint32At(4)
	if err != nil {
		return false
	}

	if sessionID != s.sessionID {
		return false
	}
	if heartbeat != s.lastHeartbeat {
		s.lastHeartbeat = heartbeat
		s.lastSeen = time.Now()
		return true
	}
	return time.Since(s.lastSeen) < constants.SessionGraceWindow
}

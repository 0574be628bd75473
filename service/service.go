// Package service is the façade over the group engine, storage, CRDT and
// admission layers. It owns the group registry, the event bus and the
// shutdown coordinator; everything outside this module talks to the core
// through it.
package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/spacepanda/core/admission"
	"github.com/spacepanda/core/config"
	corecrypto "github.com/spacepanda/core/crypto"
	"github.com/spacepanda/core/crypto/keys"
	coreerrors "github.com/spacepanda/core/errors"
	"github.com/spacepanda/core/internal/logger"
	"github.com/spacepanda/core/internal/metrics"
	"github.com/spacepanda/core/internal/wireutil"
	"github.com/spacepanda/core/keypackage"
	mdenc "github.com/spacepanda/core/metadata"
	"github.com/spacepanda/core/mls"
	"github.com/spacepanda/core/storage"
)

// Options wires the service's collaborators. Store, Identity, SigningKey
// and MasterKey are required; nil Transport disables broadcasting, nil
// Clock/WallClock/Logger fall back to system defaults.
type Options struct {
	Config    *config.Config
	Store     storage.Store
	Transport Transport
	Clock     admission.Clock
	WallClock WallClock
	Logger    logger.Logger

	// Identity is this device's credential identity.
	Identity []byte
	// SigningKey is this device's long-term Ed25519 key.
	SigningKey *keys.Ed25519KeyPair
	// MasterKey encrypts group snapshots at rest. The service treats it
	// opaquely; derivation from a passphrase happens upstream.
	MasterKey []byte
}

// RecoveryMode describes how far startup recovery got for the whole store.
type RecoveryMode int

const (
	// RecoveryFull means every persisted group resumed into a live handle.
	RecoveryFull RecoveryMode = iota
	// RecoveryMetadataOnly means at least one snapshot failed to decrypt
	// or decode; those groups are quarantined and only their stored
	// metadata remains readable.
	RecoveryMetadataOnly
)

// RecoveryReport summarizes startup recovery.
type RecoveryReport struct {
	Mode        RecoveryMode
	Resumed     int
	Quarantined int
}

type groupEntry struct {
	handle *mls.GroupHandle
	cipher *mdenc.Cipher
}

// Service is the core façade. All exported methods are safe for concurrent
// use.
type Service struct {
	cfg       *config.Config
	store     storage.Store
	transport Transport
	wall      WallClock
	log       logger.Logger

	identity   []byte
	signingKey *keys.Ed25519KeyPair
	masterKey  []byte

	admission *admission.Controller
	bus       *Bus
	tracker   *mls.WelcomeTracker

	mu          sync.RWMutex
	groups      map[string]*groupEntry
	quarantined map[string]error
	sequences   map[string]int64

	joinFlight singleflight.Group

	shuttingDown atomic.Bool
	done         chan struct{}
}

// New constructs a Service. Call Start before using it.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, coreerrors.New(coreerrors.KindServiceUnavailable, "storage is required")
	}
	if opts.SigningKey == nil || len(opts.Identity) == 0 {
		return nil, coreerrors.New(coreerrors.KindServiceUnavailable, "device identity and signing key are required")
	}
	if len(opts.MasterKey) == 0 {
		return nil, coreerrors.New(coreerrors.KindServiceUnavailable, "master key is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop{}
	}
	wall := opts.WallClock
	if wall == nil {
		wall = SystemWallClock{}
	}
	return &Service{
		cfg:         cfg,
		store:       opts.Store,
		transport:   opts.Transport,
		wall:        wall,
		log:         log,
		identity:    append([]byte(nil), opts.Identity...),
		signingKey:  opts.SigningKey,
		masterKey:   append([]byte(nil), opts.MasterKey...),
		admission:   admission.NewController(cfg.RateLimit, cfg.Breaker, opts.Clock),
		bus:         NewBus(256),
		tracker:     mls.NewWelcomeTracker(),
		groups:      make(map[string]*groupEntry),
		quarantined: make(map[string]error),
		sequences:   make(map[string]int64),
		done:        make(chan struct{}),
	}, nil
}

// Start resumes every persisted group from its snapshot. A snapshot that
// fails decryption or decoding quarantines that group only; the service
// keeps running with the rest.
func (s *Service) Start(ctx context.Context) (*RecoveryReport, error) {
	snaps, err := s.store.Snapshots().List(ctx)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{Mode: RecoveryFull}
	for _, snap := range snaps {
		if err := s.resumeGroup(snap); err != nil {
			s.log.Warn("group quarantined during recovery",
				logger.Err(err), logger.Uint64("epoch", snap.Epoch))
			s.mu.Lock()
			s.quarantined[string(snap.GroupID)] = err
			s.mu.Unlock()
			s.bus.Publish(&Event{Kind: EventGroupQuarantined, GroupID: snap.GroupID, Epoch: snap.Epoch})
			report.Quarantined++
			report.Mode = RecoveryMetadataOnly
			continue
		}
		report.Resumed++
	}
	s.updateGroupGauge()
	s.log.Info("service started",
		logger.Int("resumed", report.Resumed),
		logger.Int("quarantined", report.Quarantined))
	return report, nil
}

func (s *Service) resumeGroup(row *storage.Snapshot) error {
	plaintext, err := storage.DecryptBlob(s.masterKey, row.GroupID, row.Blob)
	if err != nil {
		return err
	}
	snap := new(mls.Snapshot)
	if err := wireutil.Unmarshal(plaintext, snap); err != nil {
		return coreerrors.Wrap(coreerrors.KindDecodeFailure, "snapshot malformed", err)
	}
	handle, err := mls.Resume(snap, s.signingKey)
	if err != nil {
		return err
	}
	cipher, err := mdenc.NewCipher(row.GroupID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.groups[string(row.GroupID)] = &groupEntry{handle: handle, cipher: cipher}
	s.mu.Unlock()
	return nil
}

func (s *Service) isShuttingDown() bool { return s.shuttingDown.Load() }

func (s *Service) guard() error {
	if s.isShuttingDown() {
		return coreerrors.New(coreerrors.KindServiceUnavailable, "service is shutting down")
	}
	return nil
}

func (s *Service) entry(groupID []byte) (*groupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.quarantined[string(groupID)]; ok {
		return nil, coreerrors.Wrap(coreerrors.KindUnknownGroup, "group is quarantined", err)
	}
	e, ok := s.groups[string(groupID)]
	if !ok {
		return nil, coreerrors.New(coreerrors.KindUnknownGroup, "no such group")
	}
	return e, nil
}

func (s *Service) updateGroupGauge() {
	s.mu.RLock()
	n := len(s.groups)
	s.mu.RUnlock()
	metrics.GroupsActive.Set(float64(n))
}

// persistSnapshot captures, encrypts and stores the group's current state.
func (s *Service) persistSnapshot(ctx context.Context, e *groupEntry) error {
	snap, err := e.handle.Snapshot()
	if err != nil {
		return err
	}
	plaintext, err := wireutil.Marshal(snap)
	if err != nil {
		return err
	}
	blob, err := storage.EncryptBlob(s.masterKey, snap.GroupID, plaintext)
	if err != nil {
		return err
	}
	return s.store.Snapshots().Save(ctx, &storage.Snapshot{
		GroupID:   snap.GroupID,
		Epoch:     snap.Epoch,
		Blob:      blob,
		CreatedAt: s.wall.Today(),
	})
}

// CreateGroup creates a new group with this device as sole member and
// persists its channel row and first snapshot.
func (s *Service) CreateGroup(ctx context.Context, name string, chType storage.ChannelType) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	handle, err := mls.Create(s.identity, s.signingKey, corecrypto.DefaultCipherSuite)
	if err != nil {
		return nil, err
	}
	groupID := handle.GroupID()

	cipher, err := mdenc.NewCipher(groupID)
	if err != nil {
		return nil, err
	}
	encName, err := cipher.Encrypt([]byte(name))
	if err != nil {
		return nil, err
	}
	encMembers, err := cipher.Encrypt(s.identity)
	if err != nil {
		return nil, err
	}
	if err := s.store.Channels().Save(ctx, &storage.Channel{
		GroupID:          groupID,
		EncryptedName:    encName,
		EncryptedMembers: encMembers,
		CreatedAt:        s.wall.Today(),
		ChannelType:      chType,
	}); err != nil {
		return nil, err
	}

	e := &groupEntry{handle: handle, cipher: cipher}
	if err := s.persistSnapshot(ctx, e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.groups[string(groupID)] = e
	s.mu.Unlock()
	s.updateGroupGauge()

	s.bus.Publish(&Event{Kind: EventGroupCreated, GroupID: groupID})
	s.log.Info("group created", logger.Int("members", 1))
	return groupID, nil
}

// JoinGroup admits this device to a group from a Welcome frame. Each
// Welcome is single-use: a replay is rejected even across restarts, and
// concurrent joins of the same Welcome collapse into one.
func (s *Service) JoinGroup(ctx context.Context, welcomeBytes []byte, kp *keypackage.KeyPackage, initKey *keys.X25519KeyPair) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	welcomeHash := corecrypto.Hash(welcomeBytes)

	v, err, _ := s.joinFlight.Do(string(welcomeHash), func() (any, error) {
		used, err := s.store.Welcomes().IsUsed(ctx, welcomeHash)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, coreerrors.New(coreerrors.KindReplayedWelcome, "welcome already consumed")
		}
		handle, err := mls.JoinFromWelcome(s.tracker, welcomeBytes, kp, initKey, s.signingKey)
		if err != nil {
			return nil, err
		}
		if err := s.store.Welcomes().MarkUsed(ctx, welcomeHash); err != nil {
			if kind, ok := coreerrors.KindOf(err); ok && kind == coreerrors.KindConstraint {
				return nil, coreerrors.New(coreerrors.KindReplayedWelcome, "welcome already consumed")
			}
			return nil, err
		}
		groupID := handle.GroupID()
		cipher, err := mdenc.NewCipher(groupID)
		if err != nil {
			return nil, err
		}
		e := &groupEntry{handle: handle, cipher: cipher}
		if err := s.persistSnapshot(ctx, e); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.groups[string(groupID)] = e
		s.mu.Unlock()
		s.updateGroupGauge()
		s.bus.Publish(&Event{Kind: EventMemberJoined, GroupID: groupID, Epoch: handle.Epoch()})
		return groupID, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Service) nextSequence(ctx context.Context, groupID []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(groupID)
	if _, ok := s.sequences[key]; !ok {
		latest, err := s.store.Messages().Page(ctx, groupID, 1, 0)
		if err != nil {
			return 0, err
		}
		if len(latest) > 0 {
			s.sequences[key] = latest[0].Sequence
		}
	}
	s.sequences[key]++
	return s.sequences[key], nil
}

// Send encrypts plaintext to the group, persists the resulting message row
// and returns the transport frame (also broadcast when a transport is
// wired).
func (s *Service) Send(ctx context.Context, groupID, plaintext []byte) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.entry(groupID)
	if err != nil {
		return nil, err
	}
	msgBytes, err := e.handle.Send(plaintext)
	if err != nil {
		return nil, err
	}

	seq, err := s.nextSequence(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Messages().Save(ctx, &storage.Message{
		MessageID:        uuid.NewString(),
		GroupID:          groupID,
		EncryptedContent: msgBytes,
		SenderHash:       corecrypto.Hash(s.identity),
		Sequence:         seq,
	}); err != nil {
		return nil, err
	}

	frame := (&MlsEnvelope{Kind: EnvelopeKindMessage, Payload: msgBytes}).Encode()
	if s.transport != nil {
		if err := s.transport.Broadcast(ctx, frame); err != nil {
			s.log.Warn("broadcast failed", logger.Err(err))
		}
	}
	return frame, nil
}

// AddMembers proposes and commits the addition of the given key packages,
// returning the commit frame to broadcast and the Welcome frame for the
// new members.
func (s *Service) AddMembers(ctx context.Context, groupID []byte, kps []*keypackage.KeyPackage) (commitFrame, welcomeFrame []byte, err error) {
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	e, err := s.entry(groupID)
	if err != nil {
		return nil, nil, err
	}
	for _, kp := range kps {
		if _, err := e.handle.ProposeAdd(kp); err != nil {
			return nil, nil, err
		}
	}
	commitBytes, welcomeBytes, err := e.handle.Commit(nil)
	if err != nil {
		return nil, nil, err
	}
	if err := s.persistSnapshot(ctx, e); err != nil {
		return nil, nil, err
	}
	metrics.EpochAdvances.Inc()
	s.bus.Publish(&Event{Kind: EventMemberAdded, GroupID: groupID, Epoch: e.handle.Epoch()})

	commitFrame = (&MlsEnvelope{Kind: EnvelopeKindMessage, Payload: commitBytes}).Encode()
	if welcomeBytes != nil {
		welcomeFrame = (&MlsEnvelope{Kind: EnvelopeKindWelcome, Payload: welcomeBytes}).Encode()
	}
	if s.transport != nil {
		if err := s.transport.Broadcast(ctx, commitFrame); err != nil {
			s.log.Warn("broadcast failed", logger.Err(err))
		}
	}
	return commitFrame, welcomeFrame, nil
}

// RemoveMembers proposes and commits the removal of the given leaves,
// returning the commit frame to broadcast.
func (s *Service) RemoveMembers(ctx context.Context, groupID []byte, leaves []uint32) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	e, err := s.entry(groupID)
	if err != nil {
		return nil, err
	}
	for _, leaf := range leaves {
		if _, err := e.handle.ProposeRemove(leaf); err != nil {
			return nil, err
		}
	}
	commitBytes, _, err := e.handle.Commit(nil)
	if err != nil {
		return nil, err
	}
	if err := s.persistSnapshot(ctx, e); err != nil {
		return nil, err
	}
	metrics.EpochAdvances.Inc()
	s.bus.Publish(&Event{Kind: EventMemberRemoved, GroupID: groupID, Epoch: e.handle.Epoch()})

	frame := (&MlsEnvelope{Kind: EnvelopeKindMessage, Payload: commitBytes}).Encode()
	if s.transport != nil {
		if err := s.transport.Broadcast(ctx, frame); err != nil {
			s.log.Warn("broadcast failed", logger.Err(err))
		}
	}
	return frame, nil
}

// ProcessIncoming admits, parses and dispatches one transport frame from
// peer. Admission runs before any parsing; handler success or failure is
// fed back to the peer's breaker.
func (s *Service) ProcessIncoming(ctx context.Context, peer string, frame []byte) (*mls.Effect, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := s.admission.Admit(peer, len(frame)); err != nil {
		return nil, err
	}

	effect, err := s.processAdmitted(ctx, peer, frame)
	if err != nil {
		s.admission.RecordFailure(peer)
		if kind, ok := coreerrors.KindOf(err); ok {
			metrics.ProtocolErrors.WithLabelValues(string(kind)).Inc()
		}
		s.log.Warn("incoming frame rejected", logger.String("peer", peer), logger.Err(err))
		return nil, err
	}
	s.admission.RecordSuccess(peer)
	return effect, nil
}

func (s *Service) processAdmitted(ctx context.Context, peer string, frame []byte) (*mls.Effect, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case EnvelopeKindMessage:
		return s.processGroupMessage(ctx, env.Payload)
	case EnvelopeKindWelcome:
		// Welcomes are consumed through JoinGroup, which needs this
		// device's key package; an unsolicited Welcome is rejected here and
		// nothing is published on the bus.
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "welcome frames are consumed via join")
	case EnvelopeKindCRDTOp:
		return nil, coreerrors.New(coreerrors.KindDecodeFailure, "crdt frames are consumed by the replication layer")
	}
	return nil, coreerrors.New(coreerrors.KindDecodeFailure, "unknown envelope kind")
}

func (s *Service) processGroupMessage(ctx context.Context, payload []byte) (*mls.Effect, error) {
	inner := new(mls.EncryptedEnvelope)
	if err := wireutil.Unmarshal(payload, inner); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindDecodeFailure, "malformed group message", err)
	}
	e, err := s.entry(inner.GroupID)
	if err != nil {
		return nil, err
	}

	effect, err := e.handle.ProcessIncoming(payload)
	if err != nil {
		return nil, err
	}

	switch effect.Kind {
	case mls.EffectApplication:
		metrics.MessagesProcessed.WithLabelValues("application").Inc()
		seq, err := s.nextSequence(ctx, inner.GroupID)
		if err != nil {
			return nil, err
		}
		var senderBuf [4]byte
		senderBuf[0] = byte(effect.Sender >> 24)
		senderBuf[1] = byte(effect.Sender >> 16)
		senderBuf[2] = byte(effect.Sender >> 8)
		senderBuf[3] = byte(effect.Sender)
		if err := s.store.Messages().Save(ctx, &storage.Message{
			MessageID:        uuid.NewString(),
			GroupID:          inner.GroupID,
			EncryptedContent: payload,
			SenderHash:       corecrypto.Hash(senderBuf[:]),
			Sequence:         seq,
		}); err != nil {
			return nil, err
		}
		s.bus.Publish(&Event{
			Kind:      EventMessageReceived,
			GroupID:   inner.GroupID,
			Epoch:     e.handle.Epoch(),
			Sender:    effect.Sender,
			Plaintext: effect.Plaintext,
		})

	case mls.EffectEpochAdvanced, mls.EffectMemberAdded, mls.EffectMemberRemoved:
		metrics.MessagesProcessed.WithLabelValues("commit").Inc()
		metrics.EpochAdvances.Inc()
		if err := s.persistSnapshot(ctx, e); err != nil {
			// Our own membership may have ended; the snapshot then has
			// nothing left to say.
			if kind, ok := coreerrors.KindOf(err); !ok || kind != coreerrors.KindNotAMember {
				return nil, err
			}
		}
		kind := EventEpochAdvanced
		if effect.Kind == mls.EffectMemberAdded {
			kind = EventMemberAdded
		} else if effect.Kind == mls.EffectMemberRemoved {
			kind = EventMemberRemoved
		}
		s.bus.Publish(&Event{Kind: kind, GroupID: inner.GroupID, Epoch: effect.NewEpoch, Sender: effect.Sender})

	case mls.EffectProposalAccepted:
		metrics.MessagesProcessed.WithLabelValues("proposal").Inc()
	}
	return effect, nil
}

// Subscribe registers an event listener; cancel() detaches it.
func (s *Service) Subscribe(filter EventFilter) (<-chan *Event, func()) {
	return s.bus.Subscribe(filter)
}

// QuarantinedGroups lists the group ids quarantined by recovery or fatal
// per-group failures.
func (s *Service) QuarantinedGroups() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, 0, len(s.quarantined))
	for id := range s.quarantined {
		out = append(out, []byte(id))
	}
	return out
}

// Shutdown stops accepting new operations, flushes a final snapshot per
// group in parallel, and closes the event bus. It returns once flushing
// completes or ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	defer close(s.done)
	defer s.bus.Close()

	s.mu.RLock()
	entries := make([]*groupEntry, 0, len(s.groups))
	for _, e := range s.groups {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return coreerrors.Wrap(coreerrors.KindTimeout, "snapshot flush cancelled", err)
			}
			return s.persistSnapshot(gctx, e)
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("final snapshot flush incomplete", logger.Err(err))
		return err
	}
	s.log.Info("service stopped", logger.Int("groups", len(entries)))
	return nil
}

package peripheral

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
	"github.com/rigado/blepm/adv"
	"github.com/rigado/blepm/slotmap"
)

// AutoIndex asks CreateOrUpdateAdvertisingSet to pick the first free index.
const AutoIndex = -1

// AdvMode selects the fast or slow interval of a set.
type AdvMode int

const (
	ModeFast AdvMode = iota
	ModeSlow
)

func (m AdvMode) String() string {
	if m == ModeSlow {
		return "slow"
	}
	return "fast"
}

// AdvSetConfig is the configuration of one advertising set.
// Intervals are in units of 0.625 ms.
type AdvSetConfig struct {
	Properties      blepm.AdvProperties
	FastIntervalMin uint16
	FastIntervalMax uint16
	SlowIntervalMin uint16
	SlowIntervalMax uint16
	AdvData         []byte
	ScanResponse    []byte
	EventMask       uint8
}

func (c AdvSetConfig) validate() error {
	if err := ValidateAdvInterval(c.FastIntervalMin, c.FastIntervalMax); err != nil {
		return errors.Wrap(err, "fast interval")
	}
	if err := ValidateAdvInterval(c.SlowIntervalMin, c.SlowIntervalMax); err != nil {
		return errors.Wrap(err, "slow interval")
	}
	if len(c.AdvData) > adv.MaxEIRPacketLength {
		return errors.Wrapf(blepm.ErrInvalidParam, "advertising data of %d bytes", len(c.AdvData))
	}
	if len(c.ScanResponse) > adv.MaxEIRPacketLength {
		return errors.Wrapf(blepm.ErrInvalidParam, "scan response of %d bytes", len(c.ScanResponse))
	}
	return nil
}

func (c AdvSetConfig) clone() AdvSetConfig {
	c.AdvData = append([]byte(nil), c.AdvData...)
	c.ScanResponse = append([]byte(nil), c.ScanResponse...)
	return c
}

// SetState holds the state flags of an advertising set.
type SetState uint8

const (
	StateInitialized SetState = 1 << iota
	StateEnabled
	StateAdvertising
	StateFastMode
	StateRefreshNeeded
)

// Has reports whether all flags in f are set.
func (s SetState) Has(f SetState) bool {
	return s&f == f
}

func (s SetState) String() string {
	var parts []string
	for _, f := range []struct {
		flag SetState
		name string
	}{
		{StateInitialized, "initialized"},
		{StateEnabled, "enabled"},
		{StateAdvertising, "advertising"},
		{StateFastMode, "fast"},
		{StateRefreshNeeded, "refresh"},
	} {
		if s.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "uninitialized"
	}
	return strings.Join(parts, "|")
}

// AdvSetInfo is a snapshot of an advertising set.
type AdvSetInfo struct {
	Index    int
	State    SetState
	Identity bool
	// Connectable is what the set currently advertises, after any
	// downgrade at connection capacity.
	Connectable bool
	Scannable   bool
}

type advSet struct {
	key        slotmap.Key
	index      int
	cfg        AdvSetConfig
	state      SetState
	identity   bool
	restricted bool

	fastTimer *time.Timer
	advTimer  *time.Timer
	epoch     uint32
	// connection sequence number at the last successful enable
	enabledAt uint64
}

func (s *advSet) props() blepm.AdvProperties {
	p := s.cfg.Properties
	if s.restricted {
		p.Connectable = false
		p.Scannable = true
	}
	return p
}

func (s *advSet) info() AdvSetInfo {
	p := s.props()
	return AdvSetInfo{
		Index:       s.index,
		State:       s.state,
		Identity:    s.identity,
		Connectable: p.Connectable,
		Scannable:   p.Scannable,
	}
}

func (s *advSet) stopTimers() {
	if s.fastTimer != nil {
		s.fastTimer.Stop()
		s.fastTimer = nil
	}
	if s.advTimer != nil {
		s.advTimer.Stop()
		s.advTimer = nil
	}
	s.epoch++
}

func (s *advSet) timersArmed() bool {
	return s.fastTimer != nil || s.advTimer != nil
}

func (m *Manager) setIndices() []int {
	var idx []int
	m.sets.Each(func(_ slotmap.Key, s *advSet) bool {
		idx = append(idx, s.index)
		return true
	})
	return idx
}

func (m *Manager) createOrUpdateSet(index int, cfg AdvSetConfig) (int, error) {
	if err := cfg.validate(); err != nil {
		return -1, err
	}
	cfg = cfg.clone()

	if index != AutoIndex {
		if index < 0 || index >= m.sets.Cap() {
			return -1, errors.Wrapf(blepm.ErrInvalidParam, "advertising set index %d", index)
		}
		if _, s, ok := m.sets.At(index); ok {
			s.cfg = cfg
			s.state |= StateRefreshNeeded
			m.log.Debugf("advertising set %d updated", index)
			return index, nil
		}
	}

	var key slotmap.Key
	var err error
	if index == AutoIndex {
		key, err = m.sets.Insert(advSet{})
	} else {
		key, err = m.sets.InsertAt(index, advSet{})
	}
	if err == slotmap.ErrFull {
		return -1, errors.Wrap(blepm.ErrResourceExhausted, "no free advertising set")
	}
	if err != nil {
		return -1, errors.Wrapf(blepm.ErrInvalidParam, "advertising set %d: %v", index, err)
	}

	s, _ := m.sets.Get(key)
	*s = advSet{
		key:   key,
		index: int(key.Index),
		cfg:   cfg,
		state: StateInitialized | StateFastMode,
	}
	if err := m.radio.CreateAdvertisingSet(s.index); err != nil {
		m.sets.Remove(key)
		return -1, errors.Wrapf(err, "create advertising set %d", s.index)
	}
	m.log.Debugf("advertising set %d created", s.index)
	return s.index, nil
}

func (m *Manager) removeSet(index int) error {
	key, s, ok := m.sets.At(index)
	if !ok {
		return errors.Wrapf(blepm.ErrNotFound, "advertising set %d", index)
	}
	s.stopTimers()
	if s.state.Has(StateAdvertising) {
		if err := m.radio.DisableAdvertising(index); err != nil {
			m.log.Warnf("disable advertising set %d: %v", index, err)
		}
	}
	if err := m.radio.RemoveAdvertisingSet(index); err != nil {
		m.log.Warnf("remove advertising set %d: %v", index, err)
	}
	if s.identity {
		m.identity = -1
	}
	m.sets.Remove(key)
	m.log.Debugf("advertising set %d removed", index)
	return nil
}

func (m *Manager) setSetEnabled(index int, on bool) error {
	_, s, ok := m.sets.At(index)
	if !ok {
		return errors.Wrapf(blepm.ErrInvalidState, "advertising set %d not initialized", index)
	}
	if on {
		if s.state.Has(StateEnabled) {
			return errors.Wrapf(blepm.ErrInvalidState, "advertising set %d already enabled", index)
		}
		s.state |= StateEnabled | StateRefreshNeeded
		if s.identity {
			s.state |= StateFastMode
			m.armTimers(s)
		}
		return nil
	}

	if !s.state.Has(StateEnabled) {
		return nil
	}
	s.state &^= StateEnabled
	s.state |= StateRefreshNeeded
	s.stopTimers()
	return nil
}

func (m *Manager) setSetMode(index int, mode AdvMode) error {
	_, s, ok := m.sets.At(index)
	if !ok {
		return errors.Wrapf(blepm.ErrInvalidState, "advertising set %d not initialized", index)
	}
	if mode == ModeFast {
		s.state |= StateFastMode
	} else {
		s.state &^= StateFastMode
	}
	s.state |= StateRefreshNeeded
	return nil
}

func (m *Manager) identityConfig() (AdvSetConfig, error) {
	ad, sr, err := adv.Identity(m.name, m.svc)
	if err != nil {
		return AdvSetConfig{}, err
	}
	return AdvSetConfig{
		Properties:      blepm.AdvProperties{Connectable: true, Scannable: true, Legacy: true},
		FastIntervalMin: m.fastMin,
		FastIntervalMax: m.fastMax,
		SlowIntervalMin: m.slowMin,
		SlowIntervalMax: m.slowMax,
		AdvData:         ad,
		ScanResponse:    sr,
	}, nil
}

func (m *Manager) createIdentitySet() error {
	cfg, err := m.identityConfig()
	if err != nil {
		return err
	}
	idx, err := m.createOrUpdateSet(AutoIndex, cfg)
	if err != nil {
		return err
	}
	_, s, _ := m.sets.At(idx)
	s.identity = true
	m.identity = idx
	m.log.Infof("identity advertising set %d", idx)

	if m.advertise {
		return m.setSetEnabled(idx, true)
	}
	return nil
}

// refreshPayload rebuilds the identity payload. Before the stack is ready
// there is no identity set yet and the new name is picked up at creation.
func (m *Manager) refreshPayload() error {
	if m.identity < 0 {
		return nil
	}
	_, s, ok := m.sets.At(m.identity)
	if !ok {
		return errors.Wrap(blepm.ErrInvalidState, "identity advertising set missing")
	}
	ad, sr, err := adv.Identity(m.name, m.svc)
	if err != nil {
		return err
	}
	s.cfg.AdvData, s.cfg.ScanResponse = ad, sr
	s.state |= StateRefreshNeeded
	return nil
}

func (m *Manager) armTimers(s *advSet) {
	s.stopTimers()
	if m.fastTimeout > 0 {
		s.fastTimer = m.after(m.fastTimeout, fastTimeout{set: s.key, epoch: s.epoch})
	}
	if m.advTimeout > 0 {
		s.advTimer = m.after(m.advTimeout, advTimeout{set: s.key, epoch: s.epoch})
	}
}

func (m *Manager) onFastTimeout(msg fastTimeout) {
	s, ok := m.sets.Get(msg.set)
	if !ok || s.epoch != msg.epoch {
		m.log.Debugf("stale fast advertising timeout")
		return
	}
	s.fastTimer = nil
	if !s.state.Has(StateEnabled) || !s.state.Has(StateFastMode) {
		return
	}
	m.log.Infof("advertising set %d: switching to slow advertising", s.index)
	s.state &^= StateFastMode
	s.state |= StateRefreshNeeded
}

func (m *Manager) onAdvTimeout(msg advTimeout) {
	s, ok := m.sets.Get(msg.set)
	if !ok || s.epoch != msg.epoch {
		m.log.Debugf("stale advertising timeout")
		return
	}
	s.advTimer = nil
	s.stopTimers()
	if !s.state.Has(StateEnabled) {
		return
	}
	m.log.Infof("advertising set %d: advertising timeout, stopping", s.index)
	s.state &^= StateEnabled
	s.state |= StateRefreshNeeded
}

// restrictConnectable makes every connectable set non-connectable once the
// connection table is full.
func (m *Manager) restrictConnectable() {
	m.sets.Each(func(_ slotmap.Key, s *advSet) bool {
		if !s.cfg.Properties.Connectable || s.restricted {
			return true
		}
		m.log.Infof("advertising set %d: connections at capacity, advertising non-connectable", s.index)
		s.restricted = true
		s.stopTimers()
		if s.state.Has(StateEnabled) {
			s.state |= StateRefreshNeeded
		}
		return true
	})
}

// reevaluateAdvertising restores connectable properties after a link goes
// away and starts a fresh advertising window on the identity set.
func (m *Manager) reevaluateAdvertising() {
	m.sets.Each(func(_ slotmap.Key, s *advSet) bool {
		if s.restricted {
			m.log.Infof("advertising set %d: restoring connectable advertising", s.index)
			s.restricted = false
			if s.state.Has(StateEnabled) {
				s.state |= StateRefreshNeeded
			}
		}
		if s.identity && s.state.Has(StateEnabled) && !s.timersArmed() {
			s.state |= StateFastMode | StateRefreshNeeded
			m.armTimers(s)
		}
		return true
	})
}

// connectionEstablished cancels the identity advertising window.
func (m *Manager) connectionEstablished() {
	if _, s, ok := m.sets.At(m.identity); ok {
		s.stopTimers()
	}
}

func (m *Manager) onAdvStarted(ev blepm.AdvertisingStarted) {
	if _, s, ok := m.sets.At(ev.Set); ok && s.state.Has(StateEnabled) {
		s.state |= StateAdvertising
	}
}

func (m *Manager) onAdvStopped(ev blepm.AdvertisingStopped) {
	if _, s, ok := m.sets.At(ev.Set); ok {
		s.state &^= StateAdvertising
	}
}

// onAdvTerminated handles the end of a set that produced a connection. The
// controller reports the connection first, so by the time the termination
// arrives the set may already have been restarted for that connection; such a
// termination describes the previous enable and is ignored.
func (m *Manager) onAdvTerminated(ev blepm.AdvertisingTerminated) {
	_, s, ok := m.sets.At(ev.Set)
	if !ok {
		return
	}
	seq, known := m.terms[ev.Connection]
	delete(m.terms, ev.Connection)
	if known && s.enabledAt >= seq {
		m.log.Debugf("advertising set %d: termination for conn %s predates restart", ev.Set, ev.Connection)
		return
	}
	m.log.Debugf("advertising set %d terminated, conn %s status 0x%02x", ev.Set, ev.Connection, ev.Status)
	s.state &^= StateAdvertising
	if s.state.Has(StateEnabled) {
		s.state |= StateRefreshNeeded
	}
}

func (m *Manager) refreshSets() {
	retry := false
	m.sets.Each(func(_ slotmap.Key, s *advSet) bool {
		m.refreshSet(s)
		retry = retry || s.state.Has(StateRefreshNeeded)
		return true
	})
	if retry && m.advRetry == nil {
		m.advRetry = m.after(m.retryDelay, advRetry{})
	}
}

// refreshSet applies pending changes: stop, reconfigure, restart. The radio
// can't take new parameters while a set is transmitting.
func (m *Manager) refreshSet(s *advSet) {
	if !s.state.Has(StateRefreshNeeded) {
		return
	}
	s.state &^= StateRefreshNeeded

	if s.state.Has(StateAdvertising) {
		err := m.radio.DisableAdvertising(s.index)
		switch {
		case err == nil:
			s.state &^= StateAdvertising
		case blepm.Is(err, blepm.ErrTransportRejected):
			m.log.Warnf("advertising set %d: radio busy on disable, retry on next pass: %v", s.index, err)
			s.state |= StateRefreshNeeded
			return
		default:
			m.log.Errorf("advertising set %d: disable: %v", s.index, err)
			s.state |= StateRefreshNeeded
			return
		}
	}
	if !s.state.Has(StateEnabled) {
		return
	}

	p := blepm.AdvParams{
		Properties:  s.props(),
		IntervalMin: s.cfg.SlowIntervalMin,
		IntervalMax: s.cfg.SlowIntervalMax,
		EventMask:   s.cfg.EventMask,
	}
	if s.state.Has(StateFastMode) {
		p.IntervalMin, p.IntervalMax = s.cfg.FastIntervalMin, s.cfg.FastIntervalMax
	}

	err := m.radio.SetAdvertisingParams(s.index, p)
	if err == nil {
		err = m.radio.SetAdvertisingData(s.index, s.cfg.AdvData, s.cfg.ScanResponse)
	}
	if err == nil {
		err = m.radio.EnableAdvertising(s.index)
	}
	switch {
	case err == nil:
		s.state |= StateAdvertising
		s.enabledAt = m.connSeq
		m.log.Debugf("advertising set %d: advertising (%s, connectable %v)", s.index, m.modeOf(s), p.Properties.Connectable)
	case blepm.Is(err, blepm.ErrTransportRejected):
		m.log.Warnf("advertising set %d: radio busy, retry on next pass: %v", s.index, err)
		s.state |= StateRefreshNeeded
	default:
		m.log.Errorf("advertising set %d: %v", s.index, err)
		s.state &^= StateEnabled
		s.stopTimers()
	}
}

func (m *Manager) modeOf(s *advSet) AdvMode {
	if s.state.Has(StateFastMode) {
		return ModeFast
	}
	return ModeSlow
}

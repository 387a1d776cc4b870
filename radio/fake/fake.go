// Package fake is an in-memory radio/stack. It records every call, lets tests
// inject stack events, and can be told to answer busy.
package fake

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rigado/blepm"
)

// Operation names used by Calls, Busy and Fail.
const (
	OpCreateSet     = "create-set"
	OpRemoveSet     = "remove-set"
	OpSetParams     = "set-params"
	OpSetData       = "set-data"
	OpEnable        = "enable"
	OpDisable       = "disable"
	OpDisconnect    = "disconnect"
	OpUpdateParams  = "update-params"
	OpRespondParams = "respond-params"
	OpIndicate      = "indicate"
	OpRespondRead   = "respond-read"
	OpReadAddress   = "read-address"
)

// Set is the radio side state of an advertising set.
type Set struct {
	Index        int
	Params       blepm.AdvParams
	AdvData      []byte
	ScanResponse []byte
	Enabled      bool
	// DataLoads counts SetAdvertisingData calls.
	DataLoads int
}

type Disconnect struct {
	Connection blepm.ConnHandle
	Reason     uint8
}

type ParamUpdate struct {
	Connection blepm.ConnHandle
	Params     blepm.ConnParams
}

type ParamResponse struct {
	Connection blepm.ConnHandle
	Params     blepm.ConnParams
	Accept     bool
}

type Indication struct {
	Connection blepm.ConnHandle
	Attr       uint16
	Data       []byte
}

type ReadResponse struct {
	Connection blepm.ConnHandle
	Attr       uint16
	Data       []byte
}

// Radio implements blepm.Radio in memory.
type Radio struct {
	// AutoComplete makes the radio answer link operations the way a
	// controller would: disconnects produce DisconnectionComplete and
	// parameter updates produce ConnParamUpdated.
	AutoComplete bool

	mu        sync.Mutex
	handler   blepm.StackHandler
	sets      map[int]*Set
	calls     map[string]int
	busy      map[string]int
	fail      map[string]error
	addr      blepm.Addr
	discs     []Disconnect
	updates   []ParamUpdate
	responses []ParamResponse
	indicates []Indication
	reads     []ReadResponse
	inFlight  map[blepm.ConnHandle]bool
	maxFlight int
	nowFlight int
}

var _ blepm.Radio = (*Radio)(nil)

// New returns an idle fake radio.
func New() *Radio {
	return &Radio{
		sets:     make(map[int]*Set),
		calls:    make(map[string]int),
		busy:     make(map[string]int),
		fail:     make(map[string]error),
		inFlight: make(map[blepm.ConnHandle]bool),
	}
}

func (r *Radio) SetStackHandler(h blepm.StackHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Inject delivers ev to the installed stack handler as if the stack raised it.
func (r *Radio) Inject(ev blepm.StackEvent) error {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return errors.New("fake: no stack handler")
	}
	return h(ev)
}

// Busy makes the next n calls of op fail with ErrTransportRejected.
func (r *Radio) Busy(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy[op] = n
}

// Fail makes every call of op fail with err until cleared with a nil err.
func (r *Radio) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// SetAddress sets what ResolvablePrivateAddress returns.
func (r *Radio) SetAddress(a blepm.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr = a
}

// Calls returns how many times op was called, failed calls included.
func (r *Radio) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Set returns a copy of the advertising set at index.
func (r *Radio) Set(index int) (Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sets[index]
	if !ok {
		return Set{}, false
	}
	cp := *s
	cp.AdvData = append([]byte(nil), s.AdvData...)
	cp.ScanResponse = append([]byte(nil), s.ScanResponse...)
	return cp, true
}

func (r *Radio) Disconnects() []Disconnect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Disconnect(nil), r.discs...)
}

func (r *Radio) ParamUpdates() []ParamUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ParamUpdate(nil), r.updates...)
}

func (r *Radio) ParamResponses() []ParamResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ParamResponse(nil), r.responses...)
}

func (r *Radio) Indications() []Indication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Indication(nil), r.indicates...)
}

func (r *Radio) ReadResponses() []ReadResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReadResponse(nil), r.reads...)
}

// MaxInFlight returns the highest number of parameter updates that were
// outstanding at once. Updates complete when ConnParamUpdated is injected.
func (r *Radio) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxFlight
}

// begin records a call of op and returns the error it should produce. r.mu must be held.
func (r *Radio) begin(op string) error {
	r.calls[op]++
	if err, ok := r.fail[op]; ok {
		return err
	}
	if r.busy[op] > 0 {
		r.busy[op]--
		return errors.Wrapf(blepm.ErrTransportRejected, "fake: %s busy", op)
	}
	return nil
}

func (r *Radio) set(index int) (*Set, error) {
	s, ok := r.sets[index]
	if !ok {
		return nil, errors.Errorf("fake: unknown advertising set %d", index)
	}
	return s, nil
}

func (r *Radio) CreateAdvertisingSet(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpCreateSet); err != nil {
		return err
	}
	if _, ok := r.sets[index]; ok {
		return errors.Errorf("fake: advertising set %d exists", index)
	}
	r.sets[index] = &Set{Index: index}
	return nil
}

func (r *Radio) RemoveAdvertisingSet(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpRemoveSet); err != nil {
		return err
	}
	if _, err := r.set(index); err != nil {
		return err
	}
	delete(r.sets, index)
	return nil
}

func (r *Radio) SetAdvertisingParams(index int, p blepm.AdvParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpSetParams); err != nil {
		return err
	}
	s, err := r.set(index)
	if err != nil {
		return err
	}
	if s.Enabled {
		return errors.Errorf("fake: set %d parameters changed while advertising", index)
	}
	s.Params = p
	return nil
}

func (r *Radio) SetAdvertisingData(index int, adv, scanRsp []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpSetData); err != nil {
		return err
	}
	s, err := r.set(index)
	if err != nil {
		return err
	}
	s.AdvData = append([]byte(nil), adv...)
	s.ScanResponse = append([]byte(nil), scanRsp...)
	s.DataLoads++
	return nil
}

func (r *Radio) EnableAdvertising(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpEnable); err != nil {
		return err
	}
	s, err := r.set(index)
	if err != nil {
		return err
	}
	if s.Enabled {
		return errors.Wrapf(blepm.ErrTransportRejected, "fake: set %d already advertising", index)
	}
	s.Enabled = true
	return nil
}

func (r *Radio) DisableAdvertising(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDisable); err != nil {
		return err
	}
	s, err := r.set(index)
	if err != nil {
		return err
	}
	// disabling a stopped set has no effect, as on a controller
	s.Enabled = false
	return nil
}

// StopSet marks a set as no longer advertising on the radio side, the way a
// controller does when a connectable set produces a connection.
func (r *Radio) StopSet(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sets[index]; ok {
		s.Enabled = false
	}
}

func (r *Radio) Disconnect(c blepm.ConnHandle, reason uint8) error {
	r.mu.Lock()
	if err := r.begin(OpDisconnect); err != nil {
		r.mu.Unlock()
		return err
	}
	r.discs = append(r.discs, Disconnect{Connection: c, Reason: reason})
	auto := r.AutoComplete
	r.mu.Unlock()

	if auto {
		go r.Inject(blepm.DisconnectionComplete{Connection: c, Reason: blepm.StatusLocalHostTerm})
	}
	return nil
}

func (r *Radio) UpdateConnParams(c blepm.ConnHandle, p blepm.ConnParams) error {
	r.mu.Lock()
	if err := r.begin(OpUpdateParams); err != nil {
		r.mu.Unlock()
		return err
	}
	r.updates = append(r.updates, ParamUpdate{Connection: c, Params: p})
	if !r.inFlight[c] {
		r.inFlight[c] = true
		r.nowFlight++
		if r.nowFlight > r.maxFlight {
			r.maxFlight = r.nowFlight
		}
	}
	auto := r.AutoComplete
	r.mu.Unlock()

	if auto {
		go r.CompleteUpdate(c, blepm.StatusSuccess, p)
	}
	return nil
}

// CompleteUpdate finishes an outstanding parameter update of c and injects ConnParamUpdated.
func (r *Radio) CompleteUpdate(c blepm.ConnHandle, status uint8, p blepm.ConnParams) error {
	r.mu.Lock()
	if r.inFlight[c] {
		delete(r.inFlight, c)
		r.nowFlight--
	}
	r.mu.Unlock()
	return r.Inject(blepm.ConnParamUpdated{Connection: c, Status: status, Params: p})
}

func (r *Radio) RespondConnParamRequest(c blepm.ConnHandle, p blepm.ConnParams, accept bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpRespondParams); err != nil {
		return err
	}
	r.responses = append(r.responses, ParamResponse{Connection: c, Params: p, Accept: accept})
	return nil
}

func (r *Radio) Indicate(c blepm.ConnHandle, attr uint16, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpIndicate); err != nil {
		return err
	}
	r.indicates = append(r.indicates, Indication{Connection: c, Attr: attr, Data: append([]byte(nil), data...)})
	return nil
}

func (r *Radio) RespondRead(c blepm.ConnHandle, attr uint16, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpRespondRead); err != nil {
		return err
	}
	r.reads = append(r.reads, ReadResponse{Connection: c, Attr: attr, Data: append([]byte(nil), data...)})
	return nil
}

func (r *Radio) ResolvablePrivateAddress() (blepm.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpReadAddress); err != nil {
		return nil, err
	}
	if r.addr == nil {
		return nil, errors.New("fake: no address")
	}
	return r.addr, nil
}

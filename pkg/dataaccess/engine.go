// Package dataaccess implements the GXS request engine. Callers submit
// requests and receive a token; a driver calls ProcessRequests periodically
// to run pending requests against the store; callers poll the token status
// and drain the result once it is complete.
package dataaccess

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/gxsstore/pkg/database"
	"github.com/aeolun/gxsstore/pkg/gxs"
)

// MaxRequestAge is how long a token entry may go without activity before
// the next ProcessRequests pass removes it.
const MaxRequestAge = 30 * time.Second

// Token identifies one request in the token table. Zero is never issued.
type Token uint32

// Status is the lifecycle state of a token.
type Status int

const (
	// StatusUnknown means the token is not in the table.
	StatusUnknown Status = iota
	StatusPending
	StatusPartial
	StatusComplete
	StatusFailed
	StatusCancelled
	StatusDone
	statusToRemove
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPending:
		return "pending"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusDone:
		return "done"
	case statusToRemove:
		return "to_remove"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrUnknownToken is returned for tokens that are not in the table.
	ErrUnknownToken = errors.New("unknown token")
	// ErrNotComplete is returned when draining a token that has no result yet.
	ErrNotComplete = errors.New("request not complete")
	// ErrWrongRequest is returned when draining a token with the getter of
	// another request kind.
	ErrWrongRequest = errors.New("token belongs to another request kind")
)

// Store is the storage engine as seen by the request engine.
type Store interface {
	RetrieveGxsGrpMetaData(ids []gxs.GroupID) (map[gxs.GroupID]*gxs.GroupMeta, error)
	RetrieveGxsMsgMetaData(req map[gxs.GroupID][]gxs.MessageID) (map[gxs.GroupID][]*gxs.MsgMeta, error)
	RetrieveNxsGrps(ids []gxs.GroupID, withMeta bool) (map[gxs.GroupID]*gxs.GroupPayload, error)
	RetrieveNxsMsgs(req map[gxs.GroupID][]gxs.MessageID, withMeta bool) (map[gxs.GroupID][]*gxs.MsgPayload, error)

	StoreGroup(payloads []*gxs.GroupPayload) error
	UpdateGroup(payloads []*gxs.GroupPayload) error
	StoreMessage(payloads []*gxs.MsgPayload) error
	UpdateGroupMetaData(u gxs.GroupLocalUpdate) error
	UpdateMessageMetaData(u gxs.MsgLocalUpdate) error
}

var _ Store = (*database.DataService)(nil)

type tokenInfo struct {
	status       Status
	req          request // nil for public tokens
	lastActivity time.Time
}

// DataAccess is the request engine. The token table has its own lock,
// disjoint from the store's.
type DataAccess struct {
	mu        sync.Mutex
	store     Store
	tokens    map[Token]*tokenInfo
	nextToken Token
	now       func() time.Time
	maxAge    time.Duration
	metrics   *Metrics
}

// Option configures a DataAccess.
type Option func(*DataAccess)

// WithClock replaces the clock used for request ages.
func WithClock(now func() time.Time) Option {
	return func(d *DataAccess) { d.now = now }
}

// WithMaxRequestAge overrides MaxRequestAge.
func WithMaxRequestAge(age time.Duration) Option {
	return func(d *DataAccess) {
		if age > 0 {
			d.maxAge = age
		}
	}
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *DataAccess) { d.metrics = m }
}

// New creates a request engine over store.
func New(store Store, opts ...Option) *DataAccess {
	d := &DataAccess{
		store:     store,
		tokens:    make(map[Token]*tokenInfo),
		nextToken: 1,
		now:       time.Now,
		maxAge:    MaxRequestAge,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// generateToken reserves the next free token. Callers hold d.mu.
func (d *DataAccess) generateToken() Token {
	for {
		t := d.nextToken
		d.nextToken++
		if t == 0 {
			continue
		}
		if _, used := d.tokens[t]; !used {
			d.metrics.RecordTokenIssued()
			return t
		}
	}
}

func (d *DataAccess) storeRequest(r request) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	r.base().submitted = now
	t := d.generateToken()
	d.tokens[t] = &tokenInfo{status: StatusPending, req: r, lastActivity: now}
	d.metrics.RecordLiveTokens(len(d.tokens))
	jww.DEBUG.Printf("[GXS-DA] token %d: queued %s (priority %d)", t, r.base().opts.ReqType, r.base().opts.Priority)
	return t
}

// RequestStatus returns the state of token, or StatusUnknown if the table
// holds no such token.
func (d *DataAccess) RequestStatus(token Token) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.tokens[token]
	if !ok {
		return StatusUnknown
	}
	return info.status
}

func (d *DataAccess) setStatus(token Token, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.tokens[token]
	if !ok {
		jww.DEBUG.Printf("[GXS-DA] token %d: cannot set %s: unknown token", token, status)
		return errors.Wrapf(ErrUnknownToken, "token %d", token)
	}
	info.status = status
	info.lastActivity = d.now()
	return nil
}

// LiveTokens returns the number of entries in the token table.
func (d *DataAccess) LiveTokens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// CancelRequest marks token cancelled. The entry is released by the next
// ProcessRequests pass; a handler already running is not interrupted.
func (d *DataAccess) CancelRequest(token Token) error {
	return d.setStatus(token, StatusCancelled)
}

// ClearRequest marks token for removal by the next ProcessRequests pass.
func (d *DataAccess) ClearRequest(token Token) error {
	return d.setStatus(token, statusToRemove)
}

// GeneratePublicToken reserves a token for a caller that tracks its own
// work. The token starts PARTIAL and is never dispatched.
func (d *DataAccess) GeneratePublicToken() Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.generateToken()
	d.tokens[t] = &tokenInfo{status: StatusPartial, lastActivity: d.now()}
	d.metrics.RecordLiveTokens(len(d.tokens))
	return t
}

// UpdatePublicRequestStatus sets the status of a public token.
func (d *DataAccess) UpdatePublicRequestStatus(token Token, status Status) error {
	return d.setStatus(token, status)
}

// DisposeOfPublicToken removes a public token immediately.
func (d *DataAccess) DisposeOfPublicToken(token Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tokens[token]; !ok {
		return errors.Wrapf(ErrUnknownToken, "token %d", token)
	}
	delete(d.tokens, token)
	d.metrics.RecordLiveTokens(len(d.tokens))
	return nil
}

// ProcessRequests runs one pass over the token table: stale and finished
// entries are removed, pending requests are run to completion, everything
// else is left alone. The token table lock is held for the whole pass.
func (d *DataAccess) ProcessRequests() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	tokens := make([]Token, 0, len(d.tokens))
	for t := range d.tokens {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	for _, t := range tokens {
		info := d.tokens[t]

		if reason := reapReason(info, now, d.maxAge); reason != "" {
			delete(d.tokens, t)
			d.metrics.RecordReaped(reason)
			jww.DEBUG.Printf("[GXS-DA] token %d: removed (%s)", t, reason)
			continue
		}
		if info.status != StatusPending || info.req == nil {
			continue
		}

		info.status = StatusPartial
		kind := info.req.base().opts.ReqType
		start := time.Now()
		err := d.dispatch(info.req)
		d.metrics.RecordCompleted(kind, err != nil, time.Since(start))
		if err != nil {
			info.status = StatusFailed
			jww.WARN.Printf("[GXS-DA] token %d: %s failed: %v", t, kind, err)
		} else {
			info.status = StatusComplete
		}
		info.lastActivity = d.now()
	}
	d.metrics.RecordLiveTokens(len(d.tokens))
}

func reapReason(info *tokenInfo, now time.Time, maxAge time.Duration) string {
	switch info.status {
	case StatusFailed, StatusDone, statusToRemove, StatusCancelled:
		return info.status.String()
	}
	if now.Sub(info.lastActivity) > maxAge {
		return "expired"
	}
	return ""
}

// dispatch runs the handler of r. Callers hold d.mu.
func (d *DataAccess) dispatch(r request) error {
	switch req := r.(type) {
	case *groupIDReq:
		return d.handleGroupIDs(req)
	case *groupMetaReq:
		return d.handleGroupMeta(req)
	case *groupDataReq:
		return d.handleGroupData(req)
	case *groupSerializedDataReq:
		return d.handleGroupSerializedData(req)
	case *msgIDReq:
		return d.handleMsgIDs(req)
	case *msgMetaReq:
		return d.handleMsgMeta(req)
	case *msgDataReq:
		return d.handleMsgData(req)
	case *msgRelatedInfoReq:
		return d.handleMsgRelatedInfo(req)
	case *groupStatisticReq:
		return d.handleGroupStatistic(req)
	case *serviceStatisticReq:
		return d.handleServiceStatistic(req)
	default:
		panic(fmt.Sprintf("dataaccess: unhandled request variant %T", r))
	}
}

// drain hands out the request behind a completed token and removes the
// entry. The entry is left in place when the token is not complete or
// belongs to another request kind. check, if set, can reject the request
// before it is removed.
func drain[R request](d *DataAccess, token Token, check func(R) error) (R, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero R
	info, ok := d.tokens[token]
	if !ok {
		return zero, errors.Wrapf(ErrUnknownToken, "token %d", token)
	}
	req, ok := info.req.(R)
	if !ok {
		return zero, errors.Wrapf(ErrWrongRequest, "token %d", token)
	}
	if check != nil {
		if err := check(req); err != nil {
			return zero, errors.WithMessagef(err, "token %d", token)
		}
	}
	if info.status != StatusComplete {
		return zero, errors.Wrapf(ErrNotComplete, "token %d is %s", token, info.status)
	}
	delete(d.tokens, token)
	d.metrics.RecordLiveTokens(len(d.tokens))
	return req, nil
}

func drainRelated(d *DataAccess, token Token, want RequestType) (*msgRelatedInfoReq, error) {
	return drain(d, token, func(r *msgRelatedInfoReq) error {
		if r.opts.ReqType != want {
			return errors.Wrapf(ErrWrongRequest, "answers %s", r.opts.ReqType)
		}
		return nil
	})
}

// GetGroupList drains the result of a ReqGroupIDs request.
func (d *DataAccess) GetGroupList(token Token) ([]gxs.GroupID, error) {
	r, err := drain[*groupIDReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

// GetGroupSummary drains the result of a ReqGroupMeta request.
func (d *DataAccess) GetGroupSummary(token Token) ([]*gxs.GroupMeta, error) {
	r, err := drain[*groupMetaReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

// GetGroupData drains the result of a ReqGroupData request.
func (d *DataAccess) GetGroupData(token Token) ([]*gxs.GroupPayload, error) {
	r, err := drain[*groupDataReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

// GetGroupSerializedData drains the result of a ReqGroupSerializedData
// request: each group as one TLV item.
func (d *DataAccess) GetGroupSerializedData(token Token) (map[gxs.GroupID][]byte, error) {
	r, err := drain[*groupSerializedDataReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

func (d *DataAccess) GetGroupStatistic(token Token) (GroupStatistic, error) {
	r, err := drain[*groupStatisticReq](d, token, nil)
	if err != nil {
		return GroupStatistic{}, err
	}
	return r.result, nil
}

func (d *DataAccess) GetServiceStatistic(token Token) (ServiceStatistic, error) {
	r, err := drain[*serviceStatisticReq](d, token, nil)
	if err != nil {
		return ServiceStatistic{}, err
	}
	return r.result, nil
}

func (d *DataAccess) GetMsgIDList(token Token) (map[gxs.GroupID][]gxs.MessageID, error) {
	r, err := drain[*msgIDReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

func (d *DataAccess) GetMsgSummary(token Token) (map[gxs.GroupID][]*gxs.MsgMeta, error) {
	r, err := drain[*msgMetaReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

func (d *DataAccess) GetMsgData(token Token) (map[gxs.GroupID][]*gxs.MsgPayload, error) {
	r, err := drain[*msgDataReq](d, token, nil)
	if err != nil {
		return nil, err
	}
	return r.result, nil
}

func (d *DataAccess) GetMsgRelatedList(token Token) (map[gxs.GroupMsgID][]gxs.MessageID, error) {
	r, err := drainRelated(d, token, ReqMsgRelatedIDs)
	if err != nil {
		return nil, err
	}
	return r.resultIDs, nil
}

func (d *DataAccess) GetMsgRelatedSummary(token Token) (map[gxs.GroupMsgID][]*gxs.MsgMeta, error) {
	r, err := drainRelated(d, token, ReqMsgRelatedMeta)
	if err != nil {
		return nil, err
	}
	return r.resultMeta, nil
}

func (d *DataAccess) GetMsgRelatedData(token Token) (map[gxs.GroupMsgID][]*gxs.MsgPayload, error) {
	r, err := drainRelated(d, token, ReqMsgRelatedData)
	if err != nil {
		return nil, err
	}
	return r.resultData, nil
}

// Package middleware intercepts inbound HTTP requests aimed at a provider
// operation, runs them through the admission coordinator and translates
// the decision into a response: cached payload, upstream dispatch via the
// handler chain, a queued acknowledgement, or a structured 429. Every
// response carries the rate-limit and cache-status headers.
package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/quotagate/admission"
	"github.com/IvanBrykalov/quotagate/internal/clock"
	"github.com/IvanBrykalov/quotagate/provider"
	"github.com/IvanBrykalov/quotagate/respcache"
	"github.com/IvanBrykalov/quotagate/store"
	"github.com/IvanBrykalov/quotagate/upstream"
)

// Response headers.
const (
	HeaderLimit       = "X-Rate-Limit-Limit"
	HeaderRemaining   = "X-Rate-Limit-Remaining"
	HeaderUsed        = "X-Rate-Limit-Used"
	HeaderReset       = "X-Rate-Limit-Reset"
	HeaderCacheStatus = "X-Cache-Status"
	HeaderRetryAfter  = "Retry-After"
)

// Identity headers read by the default identity function.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserTier = "X-User-Tier"
)

// seenTTL keeps a user on the prefetch sweep's radar for a day after
// their last admitted request.
const seenTTL = 24 * time.Hour

// leaseKey stores the dispatch lease in the gin context for the handler.
const leaseKey = "quotagate.lease"

// errMissingUser rejects unidentified callers before admission runs.
var errMissingUser = errors.New("missing " + HeaderUserID + " header")

// Identity extracts the caller from a request.
type Identity func(c *gin.Context) (user string, tier provider.Tier, err error)

// Classify names the provider operation a request targets.
type Classify func(c *gin.Context) (provider.Provider, string, map[string]string, error)

// ErrorBody is the structured failure shape on every denied request.
type ErrorBody struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	CurrentUsage      *int64 `json:"current_usage,omitempty"`
	Limit             *int64 `json:"limit,omitempty"`
	ResetEpoch        *int64 `json:"reset_epoch,omitempty"`
	RetryAfterSeconds *int64 `json:"retry_after_seconds,omitempty"`
	QueuePosition     *int   `json:"queue_position,omitempty"`
	EstimatedWaitTime *int64 `json:"estimated_wait_time,omitempty"`
	UserID            string `json:"user_id"`
	Timestamp         string `json:"timestamp"`
}

// Options configures a Middleware.
type Options struct {
	// Identity resolves the caller. nil selects the X-User-ID /
	// X-User-Tier header pair.
	Identity Identity

	// Classify resolves the target operation. nil selects the
	// :provider/:operation route params with query values as params.
	Classify Classify

	// Clock stamps error bodies. nil means system.
	Clock clock.Clock

	// Logger records admission failures. nil disables.
	Logger *zerolog.Logger
}

// Middleware is the admission front door.
type Middleware struct {
	coord    *admission.Coordinator
	reg      *upstream.Registry
	st       store.Store
	identity Identity
	classify Classify
	clk      clock.Clock
	log      zerolog.Logger
}

// New constructs a Middleware.
func New(coord *admission.Coordinator, reg *upstream.Registry, st store.Store, opt Options) *Middleware {
	ident := opt.Identity
	if ident == nil {
		ident = HeaderIdentity
	}
	classify := opt.Classify
	if classify == nil {
		classify = RouteClassify
	}
	log := zerolog.Nop()
	if opt.Logger != nil {
		log = *opt.Logger
	}
	return &Middleware{
		coord:    coord,
		reg:      reg,
		st:       st,
		identity: ident,
		classify: classify,
		clk:      clock.Or(opt.Clock),
		log:      log,
	}
}

// HeaderIdentity reads the user id and tier from request headers. A
// missing tier maps to free.
func HeaderIdentity(c *gin.Context) (string, provider.Tier, error) {
	user := c.GetHeader(HeaderUserID)
	if user == "" {
		return "", "", errMissingUser
	}
	tier, err := provider.ParseTier(c.GetHeader(HeaderUserTier))
	if err != nil {
		return "", "", err
	}
	return user, tier, nil
}

// RouteClassify reads :provider and :operation route params; query values
// become the operation params.
func RouteClassify(c *gin.Context) (provider.Provider, string, map[string]string, error) {
	p, err := provider.Parse(c.Param("provider"))
	if err != nil {
		return "", "", nil, err
	}
	op := c.Param("operation")
	params := make(map[string]string)
	for k, vs := range c.Request.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return p, op, params, nil
}

// Handle is the admission middleware. Handlers behind it retrieve their
// dispatch lease with LeaseFrom; most registrations pair it directly with
// Proxy.
func (m *Middleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, tier, err := m.identity(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, m.errorBody(err.Error(), user))
			return
		}
		p, op, params, err := m.classify(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, m.errorBody(err.Error(), user))
			return
		}

		dec, err := m.coord.Admit(c.Request.Context(), admission.Request{
			Provider:   p,
			Operation:  op,
			User:       user,
			Tier:       tier,
			Params:     params,
			AllowQueue: true,
		})
		if err != nil {
			m.log.Error().Err(err).Str("provider", p.String()).Str("operation", op).Msg("admission failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, m.errorBody("internal error", user))
			return
		}

		// Only requests the coordinator let through count as activity
		// worth warming for.
		if dec.Kind != admission.Rejected {
			m.markSeen(c, user)
		}

		m.writeHeaders(c, dec)

		switch dec.Kind {
		case admission.ServeCached:
			m.serveCached(c, dec, user)

		case admission.CallUpstream:
			c.Set(leaseKey, dec.Lease)
			c.Next()
			// A handler that never dispatched leaves the lease intact;
			// abort it so the quota charge is compensated.
			if lease := leaseFrom(c); lease != nil {
				m.coord.Abort(c.Request.Context(), lease)
			}

		case admission.Queued:
			pos := dec.Queue.Position
			wait := int64(dec.Queue.ETA / time.Second)
			body := m.errorBody("queued", user)
			body.QueuePosition = &pos
			body.EstimatedWaitTime = &wait
			c.AbortWithStatusJSON(http.StatusAccepted, body)

		case admission.Rejected:
			m.serveRejection(c, dec, user)
		}
	}
}

// Proxy is the terminal handler for provider routes: it dispatches the
// leased request through the adapter registry, reports the outcome, and
// writes the payload.
func (m *Middleware) Proxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		lease := leaseFrom(c)
		if lease == nil {
			// Cached, queued and rejected requests never reach here.
			return
		}
		c.Set(leaseKey, nil)

		_, _, params, err := m.classify(c)
		if err != nil {
			m.coord.Abort(c.Request.Context(), lease)
			c.AbortWithStatusJSON(http.StatusNotFound, m.errorBody(err.Error(), lease.User))
			return
		}

		payload, err := m.coord.Dispatch(c.Request.Context(), m.reg, lease, params)
		if err != nil {
			status := http.StatusBadGateway
			if c.Request.Context().Err() != nil {
				status = http.StatusGatewayTimeout
			}
			c.AbortWithStatusJSON(status, m.errorBody("upstream failure: "+err.Error(), lease.User))
			return
		}
		c.Data(http.StatusOK, "application/json", payload)
	}
}

// LeaseFrom returns the dispatch lease the middleware attached for this
// request, or nil when the decision was not CallUpstream.
func LeaseFrom(c *gin.Context) *admission.Lease {
	return leaseFrom(c)
}

func leaseFrom(c *gin.Context) *admission.Lease {
	v, ok := c.Get(leaseKey)
	if !ok {
		return nil
	}
	lease, _ := v.(*admission.Lease)
	return lease
}

func (m *Middleware) serveCached(c *gin.Context, dec admission.Decision, user string) {
	hit := dec.Cached
	if !hit.Negative {
		c.Abort()
		c.Data(http.StatusOK, "application/json", hit.Payload)
		return
	}

	// A negative hit replays the recorded failure class. Throttle marks
	// come back as 429, everything else as a 502.
	status := http.StatusBadGateway
	msg := "upstream error (cached)"
	if hit.Source == respcache.SourceThrottled {
		status = http.StatusTooManyRequests
		msg = "provider throttled (cached)"
	}
	c.AbortWithStatusJSON(status, m.errorBody(msg, user))
}

func (m *Middleware) serveRejection(c *gin.Context, dec admission.Decision, user string) {
	rej := dec.Reject
	status := http.StatusTooManyRequests
	if rej.Reason == admission.ReasonStore {
		status = http.StatusServiceUnavailable
	}

	body := m.errorBody(string(rej.Reason), user)
	if rej.Used > 0 || rej.Limit > 0 {
		body.CurrentUsage = &rej.Used
		body.Limit = &rej.Limit
	}
	if !rej.ResetAt.IsZero() {
		epoch := rej.ResetAt.Unix()
		body.ResetEpoch = &epoch
	}
	if rej.RetryAfter > 0 {
		secs := ceilSeconds(rej.RetryAfter)
		body.RetryAfterSeconds = &secs
		c.Header(HeaderRetryAfter, strconv.FormatInt(secs, 10))
	} else if rej.Reason == admission.ReasonQuota && !rej.ResetAt.IsZero() {
		if secs := ceilSeconds(rej.ResetAt.Sub(m.clk.Now())); secs > 0 {
			c.Header(HeaderRetryAfter, strconv.FormatInt(secs, 10))
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func (m *Middleware) writeHeaders(c *gin.Context, dec admission.Decision) {
	c.Header(HeaderCacheStatus, dec.CacheStatus)
	if dec.Rate == nil {
		return
	}
	r := dec.Rate
	remaining := r.Limit - r.Count
	if remaining < 0 {
		remaining = 0
	}
	c.Header(HeaderLimit, strconv.FormatInt(r.Limit, 10))
	c.Header(HeaderRemaining, strconv.FormatInt(remaining, 10))
	c.Header(HeaderUsed, strconv.FormatInt(r.Count, 10))
	if !r.ResetAt.IsZero() {
		c.Header(HeaderReset, strconv.FormatInt(r.ResetAt.Unix(), 10))
	}
}

// markSeen keeps the user visible to the prefetch sweep. Best effort; a
// store hiccup here must not fail the request.
func (m *Middleware) markSeen(c *gin.Context, user string) {
	if err := m.st.SetWithTTL(c.Request.Context(), store.SeenKey(user), []byte("1"), seenTTL); err != nil {
		m.log.Debug().Err(err).Str("user", user).Msg("seen mark failed")
	}
}

func (m *Middleware) errorBody(msg, user string) ErrorBody {
	return ErrorBody{
		Success:   false,
		Error:     msg,
		UserID:    user,
		Timestamp: m.clk.Now().UTC().Format(time.RFC3339),
	}
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

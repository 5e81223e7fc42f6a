package responsecache

import (
	"fmt"
	"strings"
	"time"
)

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The master switch was off.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request was not eligible for caching, e.g. because of its method
	// or because the route opted out.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The store did not contain a response for the request.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The store could not be read or held an unusable response.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"
)

// CacheStatus describes how the cache handled an exchange.
// For hits it is sent to the client as the diagnostic marker header.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	// Whether the response was stored.
	Stored bool
	// Remaining lifetime of the served or stored response, negative if unknown.
	TTL time.Duration
}

func (cs *CacheStatus) Hit(ttl time.Duration) {
	cs.Status = CacheStatusHit
	cs.TTL = ttl
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
	cs.TTL = -1
}

func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString("responsecache; ")
	b.WriteString(string(cs.Status))
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		b.WriteString("=" + string(cs.FwdReason))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.TTL >= 0 {
		fmt.Fprintf(&b, "; ttl=%d", int64(cs.TTL.Round(time.Second)/time.Second))
	}
	return b.String()
}

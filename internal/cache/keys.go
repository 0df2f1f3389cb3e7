package cache

import (
	"strconv"
	"time"
)

// Keyspace prefixes. Record lookups and counters share one Store; the
// prefix keeps purges scoped.
const (
	PrefixAPIID        = "api_id_cache:"
	PrefixAPI          = "api_cache:"
	PrefixAPIEndpoints = "api_endpoint_cache:"
	PrefixEndpoint     = "endpoint_cache:"
	PrefixUser         = "user_cache:"
	PrefixSubscription = "user_subscription_cache:"
	PrefixValidation   = "endpoint_validation_cache:"
	PrefixRate         = "rate:"
	PrefixThrottle     = "throttle:"
	PrefixBandwidth    = "bandwidth_usage:"
	PrefixRoundRobin   = "rr:"
)

// LookupPrefixes are the keyspaces holding metadata lookups; the admin
// purge clears these without touching in-flight counters.
var LookupPrefixes = []string{
	PrefixAPIID,
	PrefixAPI,
	PrefixAPIEndpoints,
	PrefixEndpoint,
	PrefixUser,
	PrefixSubscription,
	PrefixValidation,
}

// KeyAPIID caches path → api_id under "/{name}/{version}".
func KeyAPIID(path string) string { return PrefixAPIID + path }

// KeyAPI caches the API record under "{name}/{version}".
func KeyAPI(apiKey string) string { return PrefixAPI + apiKey }

// KeyAPIEndpoints caches an API's endpoint list.
func KeyAPIEndpoints(apiID string) string { return PrefixAPIEndpoints + apiID }

// KeyEndpoint caches one matched endpoint under
// "/{METHOD}/{name}/{version}{uri}".
func KeyEndpoint(method, apiKey, uri string) string {
	return PrefixEndpoint + "/" + method + "/" + apiKey + uri
}

func KeyUser(username string) string         { return PrefixUser + username }
func KeySubscription(username string) string { return PrefixSubscription + username }
func KeyValidation(endpointID string) string { return PrefixValidation + endpointID }

// KeyRate is a fixed-window request counter for a subject.
func KeyRate(subject string, bucket int64) string {
	return PrefixRate + subject + ":" + strconv.FormatInt(bucket, 10)
}

// KeyThrottle tracks a subject's burst bucket occupancy per window.
func KeyThrottle(subject string, bucket int64) string {
	return PrefixThrottle + subject + ":" + strconv.FormatInt(bucket, 10)
}

// KeyBandwidth is a windowed byte counter for a subject.
func KeyBandwidth(subject string, bucket int64) string {
	return PrefixBandwidth + subject + ":" + strconv.FormatInt(bucket, 10)
}

// KeyRoundRobin holds the rotation cursor for one API's server set.
// The hash pins the cursor to the exact set, so changing the servers
// restarts the rotation instead of continuing a stale one.
func KeyRoundRobin(apiID string, setHash uint64) string {
	return PrefixRoundRobin + apiID + ":" + strconv.FormatUint(setHash, 16)
}

// WindowBucket returns the bucket ordinal now falls into for a window.
// Requests in the same bucket share one counter.
func WindowBucket(now time.Time, window time.Duration) int64 {
	if window <= 0 {
		return 0
	}
	return now.Unix() / int64(window/time.Second)
}

// Package health provides pluggable health checkers used by the bridge's
// endpoint health probing. A Checker reports a Result; a Status applies
// hysteresis (N consecutive failures before flipping unhealthy, one success
// to recover) so a transient blip doesn't take an endpoint out of rotation.
package health

package chainlog

import "math/rand"

// sampleAdmit decides whether a level-admitted record survives sampling.
//
// Warn-and-above and Never records always pass. When a log context is active
// and the effective rate is below 1, such a record additionally pins the
// chain's memo to "sampled" so the remainder of the request stays visible
// even if the chain was originally rejected.
//
// Below Warn the effective sample rate applies. With no active context, or
// with propagation disabled, each record draws independently. With an active
// context and propagation enabled the decision is memoized in the context:
// the first call draws, every later call in the same context reuses the
// result, so a request's chain is emitted or suppressed as a whole.
//
// The memo is keyed on the context state itself, not on the logger tree, so
// two independent logger hierarchies logging under one context share one
// decision. Concurrent requests carry distinct states and never interfere.
func (l *Logger) sampleAdmit(level Level, lc *logContext) bool {
	rate := l.EffectiveSampleRate()
	if level >= Warn {
		if lc != nil && rate < 1.0 {
			lc.forceSampled()
		}
		return true
	}
	if rate >= 1.0 {
		return true
	}
	if lc == nil || !l.EffectiveSamplePropagate() {
		return rand.Float64() < rate
	}
	return lc.decide(func() bool { return rand.Float64() < rate })
}

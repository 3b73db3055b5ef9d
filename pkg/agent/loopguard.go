package agent

// Loop guards for the two phases. Both are per-run state and never
// shared across concurrent runs.

// routerRepeatThreshold is how many times one router tool may run in a
// single run before further calls are skipped. Some valid workflows
// legitimately retry a planning tool a few times.
const routerRepeatThreshold = 5

// routerGuard counts router tool calls by name.
type routerGuard struct {
	threshold int
	counts    map[string]int
}

func newRouterGuard(threshold int) *routerGuard {
	if threshold <= 0 {
		threshold = routerRepeatThreshold
	}
	return &routerGuard{
		threshold: threshold,
		counts:    make(map[string]int),
	}
}

// Allow records one call attempt for name and reports whether it may
// execute. The first threshold calls pass; everything after is skipped.
func (g *routerGuard) Allow(name string) bool {
	g.counts[name]++
	return g.counts[name] <= g.threshold
}

// executorLoopLimit is how many consecutive identical call signatures
// abort the executor.
const executorLoopLimit = 3

// signatureGuard tracks the signature of the previous executor call and
// trips after executorLoopLimit identical consecutive signatures.
type signatureGuard struct {
	limit    int
	previous string
	streak   int
}

func newSignatureGuard(limit int) *signatureGuard {
	if limit <= 0 {
		limit = executorLoopLimit
	}
	return &signatureGuard{limit: limit}
}

// Observe records one call signature and reports whether the run is
// stuck in a loop.
func (g *signatureGuard) Observe(signature string) bool {
	if signature == g.previous {
		g.streak++
	} else {
		g.previous = signature
		g.streak = 1
	}
	return g.streak >= g.limit
}

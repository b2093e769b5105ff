package domain

// SplitFlags distributes the terminal flags of an inbound message across k
// outbound children and an optional follow-up branch. This is the single
// place the relay decision is made: exactly one branch of any fan-out may
// carry Last/LastJob onward.
//
// If followUp is true (another page or a nested sub-extraction will run
// later), the terminal bits ride on the returned follow flags and no child
// carries them. First always lands on child 0 when the inbound message was
// first: the very first child of the whole step is the first child of the
// first page.
//
// With k == 0 and no follow-up branch, the caller must emit a completion
// message carrying the inbound flags so the job still chains; Completion
// builds those flags.
func SplitFlags(in Flags, k int, followUp bool) (children []Flags, follow Flags) {
	children = make([]Flags, k)
	if k > 0 && in.First {
		children[0].First = true
	}
	if followUp {
		follow = Flags{Last: in.Last, LastJob: in.LastJob, RateLimited: in.RateLimited}
		return children, follow
	}
	if k > 0 {
		children[k-1].Last = in.Last
		children[k-1].LastJob = in.LastJob
		children[k-1].RateLimited = in.RateLimited
	}
	return children, Flags{}
}

// Completion returns the flags for a completion marker standing in for a
// branch that produced no data messages. Terminal bits are forced on so the
// marker chains the job; rateLimited is preserved for the checkpoint path.
func Completion(rateLimited bool) Flags {
	return Flags{First: true, Last: true, LastJob: true, RateLimited: rateLimited}
}

// ShouldComplete reports whether a branch that produced zero outbound
// messages owes the stream a completion marker: only when it held terminal
// responsibility.
func ShouldComplete(in Flags) bool { return in.Last || in.LastJob }

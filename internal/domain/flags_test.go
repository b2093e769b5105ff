package domain

import "testing"

func TestSplitFlags_SingleItemCollapse(t *testing.T) {
	in := Flags{First: true, Last: true, LastJob: true}
	children, follow := SplitFlags(in, 1, false)
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	c := children[0]
	if !c.First || !c.Last || !c.LastJob {
		t.Errorf("flags should collapse onto the single child: %+v", c)
	}
	if follow != (Flags{}) {
		t.Errorf("no follow-up branch expected, got %+v", follow)
	}
}

func TestSplitFlags_FanOutPlacement(t *testing.T) {
	in := Flags{First: true, Last: true, LastJob: true}
	children, _ := SplitFlags(in, 5, false)
	for i, c := range children {
		wantFirst := i == 0
		wantLast := i == 4
		if c.First != wantFirst {
			t.Errorf("child %d First=%v want %v", i, c.First, wantFirst)
		}
		if c.Last != wantLast || c.LastJob != wantLast {
			t.Errorf("child %d Last=%v LastJob=%v want %v", i, c.Last, c.LastJob, wantLast)
		}
	}
}

func TestSplitFlags_DeferToFollowUp(t *testing.T) {
	// A continuation page exists: no child may carry the terminal bits.
	in := Flags{First: true, Last: true, LastJob: true}
	children, follow := SplitFlags(in, 3, true)
	for i, c := range children {
		if c.Last || c.LastJob {
			t.Errorf("child %d must not carry terminal bits when a follow-up runs: %+v", i, c)
		}
	}
	if !children[0].First {
		t.Errorf("First still lands on the first child of the first page")
	}
	if !follow.Last || !follow.LastJob {
		t.Errorf("follow-up must inherit terminal bits: %+v", follow)
	}
}

func TestSplitFlags_NonTerminalInput(t *testing.T) {
	children, follow := SplitFlags(Flags{}, 4, false)
	for i, c := range children {
		if c.First || c.Last || c.LastJob {
			t.Errorf("child %d of a non-terminal input must carry no flags: %+v", i, c)
		}
	}
	if follow != (Flags{}) {
		t.Errorf("unexpected follow flags: %+v", follow)
	}
}

func TestSplitFlags_RateLimitedRidesRelay(t *testing.T) {
	in := Flags{Last: true, LastJob: true, RateLimited: true}
	children, _ := SplitFlags(in, 2, false)
	if !children[1].RateLimited {
		t.Errorf("rate_limited must ride with the terminal child")
	}
	if children[0].RateLimited {
		t.Errorf("rate_limited must not leak onto non-terminal children")
	}
	_, follow := SplitFlags(in, 2, true)
	if !follow.RateLimited {
		t.Errorf("rate_limited must ride the follow-up branch")
	}
}

// Exactly one terminal message must survive any chain of fan-outs. Simulate
// a multi-level fan-out (repos -> PRs -> nested pages) and count carriers.
func TestSplitFlags_ExactlyOneTerminalAcrossChain(t *testing.T) {
	seed := Flags{First: true, Last: true, LastJob: true}

	terminal := 0
	count := func(fs []Flags) {
		for _, f := range fs {
			if f.LastJob {
				terminal++
			}
		}
	}

	// Page 1 of repos: 3 repos, another page follows.
	page1, follow := SplitFlags(seed, 3, true)
	count(page1)
	// Page 2: 2 repos, no more pages; each repo fans into a PR branch, so
	// the relay defers again to the last repo's PR branch.
	page2, prBranch := SplitFlags(follow, 2, true)
	count(page2)
	// Last repo's PRs: 4 PRs, the last PR has a pending nested page.
	prs, nested := SplitFlags(prBranch, 4, true)
	count(prs)
	// Final nested continuation: 2 nodes, exhausted.
	nodes, rest := SplitFlags(nested, 2, false)
	count(nodes)
	count([]Flags{rest})

	if terminal != 1 {
		t.Fatalf("expected exactly one last_job_item carrier, got %d", terminal)
	}
	if !nodes[1].LastJob || !nodes[1].Last {
		t.Errorf("terminal bits must land on the last node of the last nested page of the last PR of the last repo")
	}
}

func TestShouldComplete(t *testing.T) {
	if ShouldComplete(Flags{}) {
		t.Errorf("non-terminal branch owes no completion marker")
	}
	if !ShouldComplete(Flags{Last: true, LastJob: true}) {
		t.Errorf("terminal branch with zero children owes a completion marker")
	}
}

func TestCompletion(t *testing.T) {
	f := Completion(true)
	if !f.First || !f.Last || !f.LastJob || !f.RateLimited {
		t.Errorf("completion flags malformed: %+v", f)
	}
	if Completion(false).RateLimited {
		t.Errorf("rate_limited must default off")
	}
}

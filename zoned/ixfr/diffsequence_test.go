package ixfr

import (
	"testing"
)

func TestDiffSequenceEquals(t *testing.T) {
	a := CreateDiffSequence(1, 2)
	a.AddAdded("jain-bb.jain.ad.jp A 133.69.136.4")
	a.AddDeleted("nezu.jain.ad.jp A 133.69.136.5")

	b := CreateDiffSequence(1, 2)
	b.AddAdded("jain-bb.jain.ad.jp A 133.69.136.4")
	b.AddDeleted("nezu.jain.ad.jp A 133.69.136.5")

	if !a.Equals(b) {
		t.Errorf("identical sequences must be equal")
	}

	c := CreateDiffSequence(1, 3)
	if a.Equals(c) {
		t.Errorf("sequences with differing serials must not be equal")
	}

	d := CreateDiffSequence(1, 2)
	d.AddAdded("jain-bb.jain.ad.jp A 133.69.136.9")
	if a.Equals(d) {
		t.Errorf("sequences with differing records must not be equal")
	}
}

func TestGetDifferenceCancelsChurn(t *testing.T) {
	/* A record that is both deleted and re-added within the window is
	 * pure churn and must vanish from the compressed view. */
	seq := CreateDiffSequence(1, 2)
	seq.AddDeleted("host.jain.ad.jp A 192.0.2.1")
	seq.AddAdded("host.jain.ad.jp A 192.0.2.1")

	if got := seq.GetAdded(); len(got) != 0 {
		t.Errorf("GetAdded: got %+v, want empty", got)
	}
	if got := seq.GetDeleted(); len(got) != 0 {
		t.Errorf("GetDeleted: got %+v, want empty", got)
	}
}

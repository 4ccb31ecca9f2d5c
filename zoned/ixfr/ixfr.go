package ixfr

import (
	"github.com/miekg/dns"
)

// Ixfr is an incremental transfer between two SOA serials, rendered
// from a range of journal diff sequences. When the requested range is
// no longer covered by the journal the transfer degrades to AXFR form.
type Ixfr struct {
	InitialSOASerial uint32
	FinalSOASerial   uint32
	IsAxfr           bool
	DiffSequences    []DiffSequence
	AxfrRRs          []dns.RR
}

func (self *Ixfr) AddDiffSequence(ds DiffSequence) {
	self.DiffSequences = append(self.DiffSequences, ds)
}

func (self *Ixfr) Equals(other Ixfr) bool {
	if self.InitialSOASerial != other.InitialSOASerial {
		return false
	}

	if self.FinalSOASerial != other.FinalSOASerial {
		return false
	}

	if len(self.DiffSequences) != len(other.DiffSequences) {
		return false
	}

	for i, s := range self.DiffSequences {
		if !s.Equals(other.DiffSequences[i]) {
			return false
		}
	}

	return true
}

// FromJournal renders the sequences from the one whose StartSOASerial
// equals fromSerial through the end of the journal into an Ixfr. When
// fromSerial equals the newest EndSOASerial the Ixfr is empty and ok is
// true. ok is false when no sequence starts at fromSerial, in which case
// the caller must fall back to AXFR.
func FromJournal(seqs []DiffSequence, fromSerial uint32) (Ixfr, bool) {
	ixfr := Ixfr{DiffSequences: []DiffSequence{}}
	if len(seqs) == 0 {
		return ixfr, false
	}
	if fromSerial == seqs[len(seqs)-1].EndSOASerial {
		// Secondary is current; empty transfer starting and ending at
		// the same serial.
		ixfr.InitialSOASerial = fromSerial
		ixfr.FinalSOASerial = fromSerial
		return ixfr, true
	}

	start := -1
	for i, seq := range seqs {
		if seq.StartSOASerial == fromSerial {
			start = i
			break
		}
	}
	if start == -1 {
		return ixfr, false
	}

	ixfr.InitialSOASerial = fromSerial
	for _, seq := range seqs[start:] {
		ixfr.AddDiffSequence(seq)
		ixfr.FinalSOASerial = seq.EndSOASerial
	}
	return ixfr, true
}

// ToAnswerSection renders the transfer as an IXFR answer section per
// RFC 1995: final SOA, then per sequence the old SOA and deletions
// followed by the new SOA and additions, closed by the final SOA again.
// soaBySerial supplies the SOA record for a given serial.
func (self *Ixfr) ToAnswerSection(soaBySerial func(serial uint32) dns.RR) []dns.RR {
	if self.IsAxfr {
		return self.AxfrRRs
	}

	finalSOA := soaBySerial(self.FinalSOASerial)
	answer := []dns.RR{finalSOA}
	for _, seq := range self.DiffSequences {
		answer = append(answer, soaBySerial(seq.StartSOASerial))
		answer = append(answer, seq.DeletedRecords...)
		answer = append(answer, soaBySerial(seq.EndSOASerial))
		answer = append(answer, seq.AddedRecords...)
	}
	answer = append(answer, finalSOA)
	return answer
}

func (self *Ixfr) GetCompressed() DiffSequence {
	tmp := CreateDiffSequence(0, 1)

	for _, ds := range self.DiffSequences {
		tmp.AddedRecords = append(tmp.AddedRecords, ds.AddedRecords...)
		tmp.DeletedRecords = append(tmp.DeletedRecords, ds.DeletedRecords...)
	}

	return DiffSequence{
		StartSOASerial: self.InitialSOASerial,
		EndSOASerial:   self.FinalSOASerial,
		AddedRecords:   tmp.GetAdded(),
		DeletedRecords: tmp.GetDeleted(),
	}
}

func (self *Ixfr) GetAdded() []dns.RR {
	ds := self.GetCompressed()
	return ds.GetAdded()
}

func (self *Ixfr) GetDeleted() []dns.RR {
	ds := self.GetCompressed()
	return ds.GetDeleted()
}

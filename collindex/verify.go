package collindex

import "github.com/pkg/errors"

// VerifyRunCoverage checks that runs partition [0, totalRows) of one
// shard exactly: sorted by row_offset, contiguous, no gaps or overlaps.
func VerifyRunCoverage(runs []Run, totalRows int) error {
	sorted := append([]Run(nil), runs...)
	sortByOffset(sorted)
	pos := 0
	for _, r := range sorted {
		if r.RowOffset != pos {
			return errors.Errorf("collindex: run coverage gap/overlap at offset %d, run starts at %d", pos, r.RowOffset)
		}
		if r.RowCount < 1 {
			return errors.Errorf("collindex: run at offset %d has non-positive row_count %d", r.RowOffset, r.RowCount)
		}
		pos += r.RowCount
	}
	if pos != totalRows {
		return errors.Errorf("collindex: runs cover %d rows, shard has %d", pos, totalRows)
	}
	return nil
}

// VerifyRunCorrectness checks that every row within a run's declared
// range actually has the run's host, and that the run's boundaries are
// maximal (the row just before row_offset, and the row just after the
// run, belong to a different host when they exist).
func VerifyRunCorrectness(r Run, hostAt func(rowIdx int) (string, bool)) error {
	for i := r.RowOffset; i < r.RowOffset+r.RowCount; i++ {
		host, ok := hostAt(i)
		if !ok || host != r.Host {
			return errors.Errorf("collindex: row %d in run %+v has host %q, want %q", i, r, host, r.Host)
		}
	}
	if r.RowOffset > 0 {
		if host, ok := hostAt(r.RowOffset - 1); ok && host == r.Host {
			return errors.Errorf("collindex: run %+v is not maximal, predecessor row shares its host", r)
		}
	}
	end := r.RowOffset + r.RowCount
	if host, ok := hostAt(end); ok && host == r.Host {
		return errors.Errorf("collindex: run %+v is not maximal, successor row shares its host", r)
	}
	return nil
}

func sortByOffset(runs []Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j-1].RowOffset > runs[j].RowOffset; j-- {
			runs[j-1], runs[j] = runs[j], runs[j-1]
		}
	}
}

package rasterizer

// SuspiciousSizeBytes is the blank-page threshold. A full-page JPEG render
// below 10KB is almost certainly blank or corrupt.
const SuspiciousSizeBytes = 10 * 1024

type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// BlankReport summarizes the blank-page heuristic over a full page set. It
// is advisory and never a hard gate on its own.
type BlankReport struct {
	TotalPages      int
	SuspiciousPages []int // 1-based page numbers
	Severity        Severity
}

// Suspicious reports whether a rendered page is likely a failed render.
func Suspicious(imageBytes []byte) bool {
	return len(imageBytes) < SuspiciousSizeBytes
}

// Inspect classifies a document's rendered page set.
func Inspect(pages []Page) BlankReport {
	report := BlankReport{TotalPages: len(pages)}
	for i, p := range pages {
		if Suspicious(p.Bytes) {
			report.SuspiciousPages = append(report.SuspiciousPages, i+1)
		}
	}

	switch {
	case len(report.SuspiciousPages) == 0:
		report.Severity = SeverityOK
	case len(report.SuspiciousPages) == len(pages) && len(pages) > 0:
		report.Severity = SeverityCritical
	default:
		report.Severity = SeverityWarning
	}
	return report
}

// ShouldRetry reports whether the flagged fraction is high enough to warrant
// one more rasterization pass before writing records.
func (r BlankReport) ShouldRetry() bool {
	if r.TotalPages == 0 {
		return false
	}
	return float64(len(r.SuspiciousPages))/float64(r.TotalPages) > 0.5
}

package synthesis

import (
	"regexp"
	"strconv"

	"github.com/asknote/asknote/retrieval"
)

// Citation is one [Source N] marker found in an answer, resolved back to
// the evidence it points at.
type Citation struct {
	Marker     string `json:"marker"` // the literal marker text
	SourceNum  int    `json:"source_num"`
	ChildID    int64  `json:"child_id,omitempty"`
	DocumentID int64  `json:"document_id,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	Title      string `json:"title,omitempty"`
	// EvidenceIndex is the position in the evidence list, -1 when the
	// marker points outside it.
	EvidenceIndex int `json:"evidence_index"`
}

var citationPattern = regexp.MustCompile(`\[Source\s+(\d+)\]`)

// ExtractCitations finds [Source N] markers in the answer and resolves
// them against the 1-based evidence numbering used in the prompt.
// Duplicate markers collapse to one citation.
func ExtractCitations(answer string, evidence []retrieval.Evidence) []Citation {
	var citations []Citation
	seen := make(map[int]bool)

	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		num, err := strconv.Atoi(match[1])
		if err != nil || seen[num] {
			continue
		}
		seen[num] = true

		c := Citation{Marker: match[0], SourceNum: num, EvidenceIndex: -1}
		if num >= 1 && num <= len(evidence) {
			ev := evidence[num-1]
			c.EvidenceIndex = num - 1
			c.ChildID = ev.ChildID
			c.DocumentID = ev.DocumentID
			c.SourceID = ev.SourceID
			c.Title = ev.Title
		}
		citations = append(citations, c)
	}
	return citations
}

package audio

import "strconv"

// speakerLabel picks the speaker for a result. A diarization tag maps onto the
// participant roster (tags start at 1); without a tag, speakers rotate through
// the roster by entry count so the choice is deterministic.
func speakerLabel(participants []string, tag, entryCount int) string {
	n := len(participants)
	switch {
	case tag > 0 && n > 0:
		return participants[(tag-1)%n]
	case tag > 0:
		return "Speaker " + strconv.Itoa(tag)
	case n > 0:
		return participants[entryCount%n]
	default:
		return "Speaker"
	}
}

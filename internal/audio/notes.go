// Package audio turns chime notes and chords into playback.
package audio

var frequencies = map[string]float64{
	"C4":  261.63,
	"C#4": 277.18,
	"D4":  293.66,
	"D#4": 311.13,
	"E4":  329.63,
	"F4":  349.23,
	"F#4": 369.99,
	"G4":  392.00,
	"G#4": 415.30,
	"A4":  440.00,
	"A#4": 466.16,
	"B4":  493.88,
	"C5":  523.25,
	"D5":  587.33,
	"E5":  659.25,
	"F5":  698.46,
	"G5":  783.99,
	"A5":  880.00,
	"B5":  987.77,
}

var chords = map[string][]string{
	"C":  {"C4", "E4", "G4"},
	"Am": {"A4", "C5", "E5"},
	"F":  {"F4", "A4", "C5"},
	"G":  {"G4", "B4", "D5"},
	"Dm": {"D4", "F4", "A4"},
	"Em": {"E4", "G4", "B4"},
}

// DefaultNotes is played when a ring names neither notes nor chords
var DefaultNotes = []string{"C4", "E4", "G4"}

// Frequency returns the pitch of a note such as "A4" in Hz
func Frequency(note string) (float64, bool) {
	f, ok := frequencies[note]
	return f, ok
}

// ChordNotes returns the notes of a chord, nil for an unknown chord
func ChordNotes(chord string) []string {
	notes, ok := chords[chord]
	if !ok {
		return nil
	}
	out := make([]string, len(notes))
	copy(out, notes)
	return out
}

// Tone is one pitch to sound
type Tone struct {
	Note      string
	Frequency float64
}

// Sequence expands notes followed by chords into tones. Unknown notes and
// chords are skipped. Neither notes nor chords given yields the default chime.
func Sequence(notes, chordNames []string) []Tone {
	if len(notes) == 0 && len(chordNames) == 0 {
		notes = DefaultNotes
	}

	var tones []Tone
	add := func(note string) {
		if f, ok := frequencies[note]; ok {
			tones = append(tones, Tone{Note: note, Frequency: f})
		}
	}
	for _, n := range notes {
		add(n)
	}
	for _, c := range chordNames {
		for _, n := range chords[c] {
			add(n)
		}
	}
	return tones
}

package synth

import (
	"math"

	"github.com/tonefield/jamroom/pkg/instrument"
)

type envStage int

const (
	stageIdle envStage = iota
	stageAttack
	stageDecay
	stageSustain
	stageRelease
)

// voice is a single sounding note. All fields are guarded by the engine mutex;
// the render goroutine and the note methods never touch a voice concurrently.
type voice struct {
	note      instrument.Note
	freq      float64
	vel       float64
	held      bool
	pedalHeld bool

	phase float64
	env   float64
	step  float64
	stage envStage
}

func (v *voice) start(n instrument.Note, velocity float64, held bool, sampleRate int, p instrument.Params) {
	v.note = n
	v.freq = n.Frequency()
	v.vel = velocity
	v.held = held
	v.pedalHeld = false
	v.phase = 0
	v.env = 0
	v.stage = stageAttack
	v.step = stepFor(1, msToSamples(p.AttackMs, sampleRate))
}

func (v *voice) release(sampleRate int, p instrument.Params) {
	if v.stage == stageIdle || v.stage == stageRelease {
		return
	}
	v.stage = stageRelease
	v.step = stepFor(v.env, msToSamples(p.ReleaseMs, sampleRate))
}

func (v *voice) releasing() bool { return v.stage == stageRelease }
func (v *voice) done() bool      { return v.stage == stageIdle }

// advance moves the envelope forward one sample and returns its value.
func (v *voice) advance(sampleRate int, p instrument.Params) float64 {
	switch v.stage {
	case stageAttack:
		v.env += v.step
		if v.env >= 1 {
			v.env = 1
			v.stage = stageDecay
			v.step = stepFor(1-p.Sustain, msToSamples(p.DecayMs, sampleRate))
		}
	case stageDecay:
		v.env -= v.step
		if v.env <= p.Sustain {
			v.env = p.Sustain
			v.stage = stageSustain
		}
	case stageSustain:
		v.env = p.Sustain
	case stageRelease:
		v.env -= v.step
		if v.env <= 0 {
			v.env = 0
			v.stage = stageIdle
		}
	}
	return v.env
}

// msToSamples converts a millisecond duration to a sample count, with a floor
// of one sample so zero-length stages still terminate.
func msToSamples(ms float64, sampleRate int) float64 {
	s := ms / 1000 * float64(sampleRate)
	if s < 1 {
		return 1
	}
	return s
}

// stepFor returns the per-sample envelope increment that covers dist in the
// given number of samples.
func stepFor(dist, samples float64) float64 {
	if dist <= 0 {
		return 1
	}
	return dist / samples
}

// render implements io.Reader for the engine's line on the shared output.
// The device render goroutine pulls 16-bit little-endian PCM from it.
type render struct {
	engine *Engine
}

func (r *render) Read(buf []byte) (int, error) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	const bytesPerSample = 2
	channels := e.channels
	if channels == 0 {
		channels = 2
	}
	frame := channels * bytesPerSample
	numFrames := len(buf) / frame

	for i := 0; i < numFrames; i++ {
		var sum float64
		if e.ready {
			for _, v := range e.voices {
				if v.done() {
					continue
				}
				osc := oscillate(e.params.Waveform, v.phase)
				sum += osc * v.vel * v.advance(e.sampleRate, e.params)

				v.phase += v.freq / float64(e.sampleRate)
				if v.phase >= 1 {
					v.phase -= 1
				}
			}
		}

		sum *= e.params.Gain * 0.25
		if sum > 1 {
			sum = 1
		} else if sum < -1 {
			sum = -1
		}
		s := int16(sum * 32767)

		idx := i * frame
		for ch := 0; ch < channels; ch++ {
			buf[idx+2*ch] = byte(s)
			buf[idx+2*ch+1] = byte(s >> 8)
		}
	}

	return numFrames * frame, nil
}

// oscillate produces one sample of the waveform at phase in [0, 1).
func oscillate(w instrument.Waveform, phase float64) float64 {
	switch w {
	case instrument.WaveSine:
		return math.Sin(2 * math.Pi * phase)
	case instrument.WaveSquare:
		if phase < 0.5 {
			return 0.8
		}
		return -0.8
	case instrument.WaveSawtooth:
		return 2*phase - 1
	case instrument.WaveTriangle:
		if phase < 0.5 {
			return 4*phase - 1
		}
		return 3 - 4*phase
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

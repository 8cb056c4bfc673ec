package toy

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"batchd/internal/dispatch"
)

// Sample picks one token per request. Temperature 0 is greedy; otherwise the
// row is cut to TopK and TopP and drawn from with a generator seeded by
// args.Seed, the session and its position, so equal state yields equal output.
func (m *Model) Sample(args dispatch.SampleArgs, batch []dispatch.Request[*Cache], logits *Logits) (map[dispatch.SessionID]dispatch.Token, error) {
	if logits == nil {
		return nil, errors.New("sample: nil logits")
	}
	out := make(map[dispatch.SessionID]dispatch.Token, len(batch))
	for _, r := range batch {
		row, ok := logits.Row(r.ID)
		if !ok {
			return nil, errors.Errorf("sample: no logits for session %d", r.ID)
		}
		if args.Temperature == 0 {
			out[r.ID] = dispatch.Token(argmax(row))
			continue
		}
		rng := rand.New(rand.NewPCG(uint64(args.Seed), uint64(r.ID)<<20^uint64(r.Cache.Pos())))
		tok, err := sampleRow(rng, row, args)
		if err != nil {
			return nil, errors.Wrapf(err, "sample session %d", r.ID)
		}
		out[r.ID] = dispatch.Token(tok)
	}
	return out, nil
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

type candidate struct {
	id int
	p  float64
}

func sampleRow(rng *rand.Rand, row []float32, args dispatch.SampleArgs) (int, error) {
	cands := make([]candidate, len(row))
	for i, v := range row {
		cands[i] = candidate{id: i, p: float64(v) / float64(args.Temperature)}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].p > cands[j].p })
	if args.TopK > 0 && args.TopK < len(cands) {
		cands = cands[:args.TopK]
	}

	// softmax over the survivors
	maxLogit := cands[0].p
	var sum float64
	for i := range cands {
		cands[i].p = math.Exp(cands[i].p - maxLogit)
		sum += cands[i].p
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, errors.New("degenerate distribution")
	}
	for i := range cands {
		cands[i].p /= sum
	}

	if p := float64(args.TopP); p > 0 && p < 1 {
		var cum float64
		for i := range cands {
			cum += cands[i].p
			if cum >= p {
				cands = cands[:i+1]
				break
			}
		}
		sum = 0
		for _, c := range cands {
			sum += c.p
		}
		for i := range cands {
			cands[i].p /= sum
		}
	}

	x := rng.Float64()
	for _, c := range cands {
		x -= c.p
		if x < 0 {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

var vocab = []string{
	"the", "a", "batch", "of", "tokens", "is", "decoded", "together", `\n`,
	"session", "cache", "and", "then", "sampled", "once", "more", ".", ",",
}

// Piece renders a token. The literal two-character sequence \n is a newline.
func (m *Model) Piece(tok dispatch.Token) string {
	if tok == m.cfg.EOS {
		return ""
	}
	w := vocab[int(tok)%len(vocab)]
	switch {
	case w == `\n`:
		return "\n"
	case strings.ContainsAny(w, ".,"):
		return w
	default:
		return " " + w
	}
}

package model

import (
	"math"

	"github.com/calder93/kiln/internal/tensor"
)

// NextTokenLoss computes the mean cross-entropy of predicting tokens[t+1]
// from logits[t], and the gradient with respect to the logits. The final
// position predicts nothing; its gradient row stays zero.
func NextTokenLoss(logits [][]float32, tokens []int) (float32, [][]float32) {
	T := len(tokens)
	n := float32(T - 1)

	dlogits := make([][]float32, T)
	var loss float64
	for t := 0; t < T-1; t++ {
		target := tokens[t+1]
		row := logits[t]
		lse := tensor.LogSumExp(row)
		loss += float64(lse-row[target]) / float64(n)

		d := make([]float32, len(row))
		for j := range row {
			d[j] = float32(math.Exp(float64(row[j]-lse))) / n
		}
		d[target] -= 1 / n
		dlogits[t] = d
	}
	dlogits[T-1] = make([]float32, len(logits[T-1]))

	return float32(loss), dlogits
}

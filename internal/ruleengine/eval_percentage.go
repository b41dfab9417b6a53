package ruleengine

import (
	"github.com/spaolacci/murmur3"

	"github.com/rafaeljc/heimdall-client/pkg/model"
)

// bucketCount is the granularity of percentage rollouts (1%).
const bucketCount = 100

// Bucket maps (subject, flag) to a stable value in [0, 100).
//
// The hash is MurmurHash3 x86 32-bit (seed 0) over the UTF-8 bytes of
// "<subject>:<flagIdentifier>", reduced modulo 100. It is defined independently
// of the Go runtime so any implementation can reproduce the same buckets.
// The flag identifier acts as a salt: being in the first 10% of one flag says
// nothing about another.
func Bucket(subject, flagIdentifier string) int {
	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(subject + ":" + flagIdentifier)) // never fails
	return int(hasher.Sum32() % bucketCount)
}

// distribute picks the variation whose cumulative weight range contains the
// identity's bucket. Weights that do not reach 100 leave the tail of the range
// to the last variation.
func distribute(dist *model.Distribution, flagIdentifier string, target *model.Target) (string, bool) {
	if dist == nil || len(dist.Variations) == 0 {
		return "", false
	}

	subject := target.Identifier
	if dist.BucketBy != "" {
		if v, ok := target.AttributeString(dist.BucketBy); ok {
			subject = v
		}
	}

	bucket := Bucket(subject, flagIdentifier)

	cumulative := 0
	for _, wv := range dist.Variations {
		cumulative += wv.Weight
		if bucket < cumulative {
			return wv.Variation, true
		}
	}
	return dist.Variations[len(dist.Variations)-1].Variation, true
}

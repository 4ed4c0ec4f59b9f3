// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package distributednoise generates random noise for the aggregate shares.
package distributednoise

import (
	"fmt"
	"math"

	"github.com/google/privacy-sandbox-dap-aggregator/encryption/secretshare"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat/distuv"
)

// polyaRand generates a random value that follows the Polya distribution.
func polyaRand(r, p float64) int64 {
	// The polya rand number can be drawn with a mixture of Gamma-Poisson distribution:
	// https://en.wikipedia.org/wiki/Negative_binomial_distribution
	gamma := distuv.Gamma{Alpha: r, Beta: (1 - p) / p}.Rand()
	return int64(distuv.Poisson{Lambda: gamma}.Rand())
}

// DistributedGeometricMechanismRand generates noise such that adding `numNoiseShares` separate
// samples drawn from this method added together will be distributed according to the two-sided
// geometric mechansim (aka Discrete Laplace distribution).
//
// For one-sided Geometric distribution (https://en.wikipedia.org/wiki/Geometric_distribution),
// we have: Geom(p) = Polya(1, 1 - p) = sum_i^numHelper Polya(1/i, p);
// By substracting two geometric random values, we can get the noise that follows two-sided distribution.
func DistributedGeometricMechanismRand(epsilon float64, l1Sensitivity, numNoiseShares uint64) (int64, error) {
	if !(epsilon > 0) || math.IsInf(epsilon, 0) {
		return 0, fmt.Errorf("epsilon should be positive and finite, got %v", epsilon)
	}
	if l1Sensitivity == 0 || numNoiseShares == 0 {
		return 0, fmt.Errorf("l1Sensitivity and numNoiseShares should be positive, got %d and %d", l1Sensitivity, numNoiseShares)
	}
	roundingResult := float64(numNoiseShares) * (1.0 / float64(numNoiseShares))
	if !scalar.EqualWithinAbsOrRel(roundingResult, 1.0, 1e-6, 1e-6) {
		return 0, fmt.Errorf("rounding error, expect numNoiseShares*(1/numNoiseShares) == 1, got %v", roundingResult)
	}

	r, p := 1.0/float64(numNoiseShares), math.Exp(-epsilon/float64(l1Sensitivity))
	return polyaRand(r, p) - polyaRand(r, p), nil
}

// AddNoise adds this aggregator's part of the distributed noise to an encoded aggregate share.
// Both aggregators adding their part makes the unsharded result follow the geometric mechanism.
func AddNoise(aggShare []byte, epsilon float64, l1Sensitivity uint64) ([]byte, error) {
	noise, err := DistributedGeometricMechanismRand(epsilon, l1Sensitivity, 2)
	if err != nil {
		return nil, err
	}
	return secretshare.AddNoise(aggShare, noise)
}

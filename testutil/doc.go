// Package testutil provides testing utilities for admem.
//
// This package is intended for use in tests and benchmarks only.
//
// # Fault Injection
//
//	fs := testutil.NewFaultyStore(memstore.New(size))
//	fs.AddRule(testutil.OpWALSubmit, testutil.Fault{Times: 1})
//
// # Random Request Sizes
//
//	rng := testutil.NewRNG(seed)
//	sizes := rng.Sizes(1000, 4096)
//	ops := rng.Workload(300, 16<<10, 0.35) // reserve/free mix
package testutil

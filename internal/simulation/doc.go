// Package simulation provides after-the-fact collaborators for running
// campaigns against an already labeled dataset: a sampler experiment that
// reveals labels on request, a threshold analyzer, a greedy agent, and an
// experiment that benchmarks agents by running one nested campaign each.
package simulation

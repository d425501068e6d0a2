// Package campaign runs the discovery loop: an Agent proposes candidates, an
// Experiment evaluates them, an Analyzer folds results into the seed dataset,
// and the loop repeats until candidates run out, discoveries dry up or the
// agent has nothing left to suggest.
//
// Every entity the loop mutates is checkpointed into the working directory
// after each step, in an order that lets a fresh process resume from the
// last completed iteration. A campaign moves through UNSTARTED, RUNNING,
// STOPPED and FINALIZED; FINALIZED is terminal.
package campaign

// Package zkvm is the isolated execution environment for the transfer program.
//
// A batch enters as a fixed-width big-endian input encoding. The Executor runs
// the program natively and splits the resulting trace into segments no larger
// than the compiled circuit Shape. The Prover produces one Groth16 proof per
// segment over BN254, and the Receipt carries those seals together with the
// public journal (old and new balances).
//
// A Program is identified by its ProgramID, a digest of its shape and
// verifying key. Receipts only verify against the identity they were produced
// for.
package zkvm

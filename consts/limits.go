package consts

import "time"

// MaxInlineLiteralSize is the default threshold below which the stream
// parser buffers a literal inline instead of asking the caller to drain
// it from the wire without buffering.
const MaxInlineLiteralSize = 4 * 1024

// MaxInputBuffer bounds how much unparsed input a session will hold
// before it is treated as a fatal transport error (K3).
const MaxInputBuffer = 1 << 20

// RandomIdxProbes is the number of uniform-random probes the pool makes
// for a live slot before falling back to a linear scan.
const RandomIdxProbes = 100

// StalledDrainBatch is how many stalled slots are pulled back in when a
// teardown frees room in the pool.
const StalledDrainBatch = 3

// OfflineCacheSaveProbability is the chance, on a clean mailbox close,
// that the session's view is persisted to the offline cache store.
const OfflineCacheSaveProbability = 0.30

const RawlogFileMode = 0600

const DefaultCheckpointInterval = 30 * time.Second

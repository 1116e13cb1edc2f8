package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that log
// aggregation and querying stay uniform across the nexus, child, and
// rebuild subsystems.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"

	// ========================================================================
	// Nexus / Child identity
	// ========================================================================
	KeyNexus      = "nexus"       // Nexus name
	KeyNexusUUID  = "nexus_uuid"  // Nexus UUID
	KeyChildURI   = "child_uri"   // Child device URI
	KeyDevice     = "device"      // Backing device identifier (bdev name)
	KeyOperation  = "operation"   // Control-plane operation name (AddChild, FaultChild, ...)
	KeyState      = "state"       // State/status string
	KeyPrevState  = "prev_state"  // Previous state string
	KeyReason     = "reason"      // Fault reason

	// ========================================================================
	// I/O
	// ========================================================================
	KeyOffsetBlk = "offset_blk" // LBA offset
	KeyLengthBlk = "length_blk" // Length in blocks
	KeyIOType    = "io_type"    // read, write, unmap, flush, compare

	// ========================================================================
	// Rebuild
	// ========================================================================
	KeyRebuildJob      = "rebuild_job"
	KeySegmentBlk      = "segment_blk"
	KeyBlocksTotal     = "blocks_total"
	KeyBlocksRecovered = "blocks_recovered"
	KeyProgress        = "progress_pct"

	// ========================================================================
	// Reservation / admin
	// ========================================================================
	KeyHostID    = "host_id"
	KeyResvKey   = "reservation_key"
	KeyNvmeAsc   = "nvme_status"

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorKind  = "error_kind"
	KeyAttempt    = "attempt"
)

// TraceID returns a slog.Attr for a trace correlation id.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// Nexus returns a slog.Attr for a nexus name.
func Nexus(name string) slog.Attr { return slog.String(KeyNexus, name) }

// NexusUUID returns a slog.Attr for a nexus UUID.
func NexusUUID(id string) slog.Attr { return slog.String(KeyNexusUUID, id) }

// ChildURI returns a slog.Attr for a child device URI.
func ChildURI(uri string) slog.Attr { return slog.String(KeyChildURI, uri) }

// Device returns a slog.Attr for a backing device identifier.
func Device(name string) slog.Attr { return slog.String(KeyDevice, name) }

// Operation returns a slog.Attr for a control-plane operation name.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// State returns a slog.Attr for a state/status string.
func State(s string) slog.Attr { return slog.String(KeyState, s) }

// PrevState returns a slog.Attr for the previous state string.
func PrevState(s string) slog.Attr { return slog.String(KeyPrevState, s) }

// Reason returns a slog.Attr for a fault reason.
func Reason(r string) slog.Attr { return slog.String(KeyReason, r) }

// OffsetBlk returns a slog.Attr for an LBA offset.
func OffsetBlk(off uint64) slog.Attr { return slog.Uint64(KeyOffsetBlk, off) }

// LengthBlk returns a slog.Attr for a block length.
func LengthBlk(n uint64) slog.Attr { return slog.Uint64(KeyLengthBlk, n) }

// IOType returns a slog.Attr for the I/O type.
func IOType(t string) slog.Attr { return slog.String(KeyIOType, t) }

// RebuildJob returns a slog.Attr for a rebuild job identifier.
func RebuildJob(id string) slog.Attr { return slog.String(KeyRebuildJob, id) }

// SegmentBlk returns a slog.Attr for the segment start block.
func SegmentBlk(blk uint64) slog.Attr { return slog.Uint64(KeySegmentBlk, blk) }

// BlocksTotal returns a slog.Attr for total blocks to rebuild.
func BlocksTotal(n uint64) slog.Attr { return slog.Uint64(KeyBlocksTotal, n) }

// BlocksRecovered returns a slog.Attr for blocks recovered so far.
func BlocksRecovered(n uint64) slog.Attr { return slog.Uint64(KeyBlocksRecovered, n) }

// Progress returns a slog.Attr for rebuild progress percentage.
func Progress(pct float64) slog.Attr { return slog.Float64(KeyProgress, pct) }

// HostID returns a slog.Attr for a reservation host id.
func HostID(id string) slog.Attr { return slog.String(KeyHostID, id) }

// ResvKey returns a slog.Attr for a reservation key.
func ResvKey(key uint64) slog.Attr { return slog.Uint64(KeyResvKey, key) }

// NvmeStatus returns a slog.Attr for an underlying NVMe status code.
func NvmeStatus(code int) slog.Attr { return slog.Int(KeyNvmeAsc, code) }

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorKind returns a slog.Attr for a nexuserr.Kind string.
func ErrorKind(kind string) slog.Attr { return slog.String(KeyErrorKind, kind) }

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

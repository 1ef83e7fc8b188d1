package shared

// Advisory lock keys are namespaced with a class prefix in the high 32 bits
// so counterparty locks never collide with other advisory locks sharing the
// database.
const lockClassCounterparty = int64(0x434152) << 32

// CounterpartyLockKey builds the pg advisory lock key that serializes
// allocation writes and merges for one counterparty.
func CounterpartyLockKey(counterpartyID int64) int64 {
	return lockClassCounterparty | (counterpartyID & 0xffffffff)
}

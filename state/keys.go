package state

import "fmt"

// KeyPrefix namespaces every key the runtime writes.
const KeyPrefix = "fastloop"

func loopIndexKey() string {
	return KeyPrefix + ":index"
}

func loopStateKey(loopID string) string {
	return fmt.Sprintf("%s:state:%s", KeyPrefix, loopID)
}

// eventQueueKey is the direction-specific FIFO for one (loop, type, sender).
func eventQueueKey(loopID, eventType string, sender Sender) string {
	if sender == SenderServer {
		return fmt.Sprintf("%s:events:%s:%s:server", KeyPrefix, loopID, eventType)
	}
	return fmt.Sprintf("%s:events:%s:%s:client", KeyPrefix, loopID, eventType)
}

func eventHistoryKey(loopID string) string {
	return fmt.Sprintf("%s:event_history:%s", KeyPrefix, loopID)
}

func claimKey(loopID string) string {
	return fmt.Sprintf("%s:claim:%s", KeyPrefix, loopID)
}

func contextKey(loopID, key string) string {
	return fmt.Sprintf("%s:context:%s:%s", KeyPrefix, loopID, key)
}

func nonceKey(loopID string) string {
	return fmt.Sprintf("%s:nonce:%s", KeyPrefix, loopID)
}

func mappingKey(key string) string {
	return fmt.Sprintf("%s:mapping:%s", KeyPrefix, key)
}

func notifyChannel(loopID string) string {
	return fmt.Sprintf("%s:notify:%s", KeyPrefix, loopID)
}

package queue

import "pushpipe/internal/types"

// Route picks the queue for a job: email and chat have their own queues,
// push goes to the notification queue unless it is high priority.
func Route(channel types.Channel, priority types.Priority) string {
	switch channel {
	case types.ChannelEmail:
		return types.QueueEmail
	case types.ChannelChat:
		return types.QueueChat
	}
	if priority == types.PriorityHigh {
		return types.QueuePriority
	}
	return types.QueueNotification
}

func channelFor(queue string) types.Channel {
	switch queue {
	case types.QueueEmail:
		return types.ChannelEmail
	case types.QueueChat:
		return types.ChannelChat
	default:
		return types.ChannelPush
	}
}

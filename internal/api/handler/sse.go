package handler

import (
	"strconv"

	"github.com/gin-contrib/sse"

	"github.com/timmy/exposcan/internal/progress"
)

func sseEvent(ev progress.Event) sse.Event {
	return sse.Event{
		Id:    strconv.FormatInt(ev.Seq, 10),
		Event: string(ev.Type),
		Data:  ev,
	}
}

// Package bilibili talks to the Bilibili dynamic and live-room endpoints and
// normalizes their cards into Record values.
package bilibili

import (
	"fmt"
	"strconv"
)

// Kind is the upstream desc.type discriminant of a dynamic card.
type Kind int

const (
	KindForward Kind = 1
	KindPhoto   Kind = 2
	KindPlain   Kind = 4
	KindVideo   Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindPhoto:
		return "photo"
	case KindPlain:
		return "plain"
	case KindVideo:
		return "video"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Record is one normalized dynamic.
type Record struct {
	Author    string
	Kind      Kind
	Body      string
	Images    []string // never nil
	Permalink string
	PostedAt  int64 // unix seconds
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s by %q at %d (%d images)", r.Kind, r.Permalink, r.Author, r.PostedAt, len(r.Images))
}

// LiveStatus is the room live_status. Upstream also reports 2 for rooms
// replaying videos; it is neither Offline nor Live.
type LiveStatus int

const (
	LiveOffline LiveStatus = 0
	LiveOn      LiveStatus = 1
)

func (s LiveStatus) String() string {
	switch s {
	case LiveOffline:
		return "offline"
	case LiveOn:
		return "live"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// LiveRecord is an observed room state that differs from the last known one.
type LiveRecord struct {
	SourceID  int64
	Author    string
	RoomID    int64
	Title     string
	CoverURL  string
	Status    LiveStatus
	StartedAt int64
}

func DynamicURL(id string) string { return "https://t.bilibili.com/" + id }

func VideoURL(aid string) string { return "https://www.bilibili.com/video/av" + aid }

func RoomURL(roomID int64) string { return "https://live.bilibili.com/" + strconv.FormatInt(roomID, 10) }

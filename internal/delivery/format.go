package delivery

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"dynbot/internal/bilibili"
	kit "dynbot/internal/transport"
)

const (
	TimeLayout = "2006-01-02 15:04:05 -0700"

	// Telegram limits.
	captionLimit = 1024
	albumLimit   = 10

	linkText = "link"
)

type stepKind int

const (
	stepText stepKind = iota
	stepPhoto
	stepAnimation
	stepAlbum
)

func (k stepKind) String() string {
	switch k {
	case stepText:
		return "text"
	case stepPhoto:
		return "photo"
	case stepAnimation:
		return "animation"
	case stepAlbum:
		return "album"
	default:
		return "unknown"
	}
}

// step is one platform call.
type step struct {
	kind  stepKind
	media []string
	text  string
	opt   *kit.SendOptions
}

// message is everything one chat receives for a record, in send order.
type message struct {
	kind  string
	link  string
	steps []step
}

// FormatTime renders a unix timestamp in loc.
func FormatTime(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(ts, 0).In(loc).Format(TimeLayout)
}

// RecordText is the text body of a dynamic notification.
func RecordText(rec bilibili.Record, loc *time.Location) string {
	return fmt.Sprintf("%s:\n%s\n------\n%s", rec.Author, FormatTime(rec.PostedAt, loc), rec.Body)
}

// LiveText is the caption of a live notification.
func LiveText(live bilibili.LiveRecord, loc *time.Location) string {
	return fmt.Sprintf("%s is living:\n%s\n------\n%s", live.Author, FormatTime(live.StartedAt, loc), live.Title)
}

func linkOpt(link string) *kit.SendOptions {
	if link == "" {
		return &kit.SendOptions{}
	}
	return &kit.SendOptions{Button: &kit.LinkButton{Text: linkText, URL: link}}
}

func isGIF(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".gif")
}

// planRecord decides how a record is rendered:
//   - photo posts and reposts with images: one image goes out as a photo (or
//     animation for gifs) with the caption, several go out as albums followed
//     by the text;
//   - videos: the cover with the caption;
//   - everything else: plain text.
//
// All variants carry the permalink button on the message that has text.
func planRecord(rec bilibili.Record, loc *time.Location) message {
	text := RecordText(rec, loc)
	m := message{kind: rec.Kind.String(), link: rec.Permalink}

	switch {
	case rec.Kind == bilibili.KindVideo && len(rec.Images) > 0:
		m.steps = withCaption(stepPhoto, rec.Images[0], text, rec.Permalink)
	case (rec.Kind == bilibili.KindPhoto || rec.Kind == bilibili.KindForward) && len(rec.Images) == 1:
		kind := stepPhoto
		if isGIF(rec.Images[0]) {
			kind = stepAnimation
		}
		m.steps = withCaption(kind, rec.Images[0], text, rec.Permalink)
	case (rec.Kind == bilibili.KindPhoto || rec.Kind == bilibili.KindForward) && len(rec.Images) > 1:
		for start := 0; start < len(rec.Images); start += albumLimit {
			end := min(start+albumLimit, len(rec.Images))
			m.steps = append(m.steps, step{kind: stepAlbum, media: rec.Images[start:end]})
		}
		m.steps = append(m.steps, step{kind: stepText, text: text, opt: linkOpt(rec.Permalink)})
	default:
		m.steps = []step{{kind: stepText, text: text, opt: linkOpt(rec.Permalink)}}
	}
	return m
}

func planLive(live bilibili.LiveRecord, loc *time.Location) message {
	link := bilibili.RoomURL(live.RoomID)
	text := LiveText(live, loc)
	m := message{kind: "live", link: link}
	if live.CoverURL == "" {
		m.steps = []step{{kind: stepText, text: text, opt: linkOpt(link)}}
		return m
	}
	m.steps = withCaption(stepPhoto, live.CoverURL, text, link)
	return m
}

// withCaption attaches text as a caption when it fits, otherwise sends the
// media bare and the text as a follow-up.
func withCaption(kind stepKind, media, text, link string) []step {
	if utf8.RuneCountInString(text) <= captionLimit {
		return []step{{kind: kind, media: []string{media}, text: text, opt: linkOpt(link)}}
	}
	return []step{
		{kind: kind, media: []string{media}, opt: &kit.SendOptions{}},
		{kind: stepText, text: text, opt: linkOpt(link)},
	}
}

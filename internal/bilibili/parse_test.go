package bilibili

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	logx "dynbot/pkg/logx"
)

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func plainCardJSON(t *testing.T, content, uname string, ts int64) string {
	return mustJSON(t, map[string]any{
		"item": map[string]any{"content": content, "timestamp": ts},
		"user": map[string]any{"uname": uname},
	})
}

func photoCardJSON(t *testing.T, desc, name string, ts int64, pics ...string) string {
	list := make([]map[string]any, 0, len(pics))
	for _, p := range pics {
		list = append(list, map[string]any{"img_src": p})
	}
	return mustJSON(t, map[string]any{
		"item": map[string]any{"description": desc, "pictures": list, "upload_time": ts},
		"user": map[string]any{"name": name},
	})
}

func forwardCardJSON(t *testing.T, content string, origType int, origID int64, origin string, ts int64) string {
	return mustJSON(t, map[string]any{
		"item": map[string]any{
			"content":    content,
			"orig_type":  origType,
			"orig_dy_id": origID,
			"timestamp":  ts,
		},
		"user":   map[string]any{"uname": "reposter"},
		"origin": origin,
	})
}

func TestParseCardPlain(t *testing.T) {
	t.Parallel()

	rec, ok := ParseCard(RawCard{
		Desc: Desc{Type: 4, DynamicID: "555"},
		Card: plainCardJSON(t, "hello", "alice", 1700000000),
	}, logx.Nop())
	if !ok {
		t.Fatal("parse failed")
	}
	want := Record{
		Author:    "alice",
		Kind:      KindPlain,
		Body:      "hello",
		Images:    []string{},
		Permalink: "https://t.bilibili.com/555",
		PostedAt:  1700000000,
	}
	if !reflect.DeepEqual(rec, want) {
		t.Fatalf("got %+v\nwant %+v", rec, want)
	}
}

func TestParseCardPhoto(t *testing.T) {
	t.Parallel()

	rec, ok := ParseCard(RawCard{
		Desc: Desc{Type: 2, DynamicID: "7"},
		Card: photoCardJSON(t, "pics", "bob", 100, "https://i0.hdslb.com/a.jpg", "https://i0.hdslb.com/b.gif"),
	}, logx.Nop())
	if !ok {
		t.Fatal("parse failed")
	}
	if rec.Author != "bob" || rec.Body != "pics" || rec.PostedAt != 100 || rec.Kind != KindPhoto {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(rec.Images) != 2 || rec.Images[1] != "https://i0.hdslb.com/b.gif" {
		t.Fatalf("images=%v", rec.Images)
	}
}

func TestParseCardVideo(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		pubdate int64
		ctime   int64
		want    int64
	}{
		{"pubdate", 200, 150, 200},
		{"ctime fallback", 0, 150, 150},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			card := mustJSON(t, map[string]any{
				"title":   "new video",
				"owner":   map[string]any{"name": "carol"},
				"aid":     170001,
				"pic":     "https://i0.hdslb.com/cover.jpg",
				"pubdate": tc.pubdate,
				"ctime":   tc.ctime,
			})
			rec, ok := ParseCard(RawCard{Desc: Desc{Type: 8, DynamicID: "9"}, Card: card}, logx.Nop())
			if !ok {
				t.Fatal("parse failed")
			}
			if rec.PostedAt != tc.want {
				t.Fatalf("posted_at=%d want %d", rec.PostedAt, tc.want)
			}
			if rec.Permalink != "https://www.bilibili.com/video/av170001" {
				t.Fatalf("permalink=%q", rec.Permalink)
			}
			if !reflect.DeepEqual(rec.Images, []string{"https://i0.hdslb.com/cover.jpg"}) || rec.Body != "new video" || rec.Author != "carol" {
				t.Fatalf("unexpected record %+v", rec)
			}
		})
	}
}

func TestParseCardForwardInheritsOriginImages(t *testing.T) {
	t.Parallel()

	origin := photoCardJSON(t, "origin text", "bob", 50, "https://x/1.jpg", "https://x/2.jpg")
	rec, ok := ParseCard(RawCard{
		Desc: Desc{Type: 1, DynamicID: "1000"},
		Card: forwardCardJSON(t, "look at this", 2, 999, origin, 60),
	}, logx.Nop())
	if !ok {
		t.Fatal("parse failed")
	}
	if rec.Body != "look at this\n------\nRT\norigin text" {
		t.Fatalf("body=%q", rec.Body)
	}
	if !reflect.DeepEqual(rec.Images, []string{"https://x/1.jpg", "https://x/2.jpg"}) {
		t.Fatalf("images=%v", rec.Images)
	}
	if rec.Author != "reposter" || rec.PostedAt != 60 || rec.Permalink != "https://t.bilibili.com/1000" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestParseCardNestedForward(t *testing.T) {
	t.Parallel()

	inner := forwardCardJSON(t, "mid", 4, 1, plainCardJSON(t, "root", "alice", 10), 20)
	rec, ok := ParseCard(RawCard{
		Desc: Desc{Type: 1, DynamicID: "3"},
		Card: forwardCardJSON(t, "top", 1, 2, inner, 30),
	}, logx.Nop())
	if !ok {
		t.Fatal("parse failed")
	}
	if rec.Body != "top\n------\nRT\nmid\n------\nRT\nroot" {
		t.Fatalf("body=%q", rec.Body)
	}
	if rec.Images == nil || len(rec.Images) != 0 {
		t.Fatalf("images=%#v", rec.Images)
	}
}

func TestParseCardForwardOfUnsupportedFails(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	_, ok := ParseCard(RawCard{
		Desc: Desc{Type: 1, DynamicID: "3"},
		Card: forwardCardJSON(t, "top", 64, 2, `{"whatever":true}`, 30),
	}, log)
	if ok {
		t.Fatal("forward of unsupported origin must fail")
	}
	if !strings.Contains(buf.String(), "dynamic card dropped") {
		t.Fatalf("missing log line: %q", buf.String())
	}
}

func TestParseCardRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  RawCard
	}{
		{"unknown kind", RawCard{Desc: Desc{Type: 2048, DynamicID: "1"}, Card: `{}`}},
		{"not json", RawCard{Desc: Desc{Type: 4, DynamicID: "1"}, Card: `{"item":`}},
		{"missing item", RawCard{Desc: Desc{Type: 4, DynamicID: "1"}, Card: `{"user":{"uname":"a"}}`}},
		{"wrong field type", RawCard{Desc: Desc{Type: 4, DynamicID: "1"}, Card: `{"item":{"content":5},"user":{}}`}},
		{"video without owner", RawCard{Desc: Desc{Type: 8, DynamicID: "1"}, Card: `{"aid":1,"title":"t"}`}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, ok := ParseCard(tc.raw, logx.Nop()); ok {
				t.Fatal("expected failure")
			}
		})
	}
}

func TestRawCardTolerantIDs(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		`{"desc":{"type":4,"dynamic_id":737343434343434343},"card":""}`,
		`{"desc":{"type":"4","dynamic_id":"737343434343434343"},"card":""}`,
	} {
		var rc RawCard
		if err := json.Unmarshal([]byte(in), &rc); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if rc.Desc.Type != 4 || rc.Desc.DynamicID != "737343434343434343" {
			t.Fatalf("%s: got %+v", in, rc.Desc)
		}
	}
}

package bilibili

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	logx "dynbot/pkg/logx"
)

// RawCard is one entry of data.cards. Card holds the JSON-encoded payload
// whose shape depends on Desc.Type.
type RawCard struct {
	Desc Desc   `json:"desc"`
	Card string `json:"card"`
}

type Desc struct {
	Type      flexInt `json:"type"`
	DynamicID flexID  `json:"dynamic_id"`
}

// flexID keeps an identifier as decimal text whether upstream sent it as a
// JSON number or a string. Dynamic ids exceed float64 precision.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) MarshalJSON() ([]byte, error) { return json.Marshal(string(f)) }

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var id flexID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	if id == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %q", string(id))
	}
	*f = flexInt(n)
	return nil
}

type uname struct {
	Uname string `json:"uname"`
	Name  string `json:"name"`
}

type photoCard struct {
	Item *struct {
		Description string `json:"description"`
		Pictures    []struct {
			ImgSrc string `json:"img_src"`
		} `json:"pictures"`
		UploadTime flexInt `json:"upload_time"`
	} `json:"item"`
	User *uname `json:"user"`
}

type plainCard struct {
	Item *struct {
		Content   string  `json:"content"`
		Timestamp flexInt `json:"timestamp"`
	} `json:"item"`
	User *uname `json:"user"`
}

type forwardCard struct {
	Item *struct {
		Content   string  `json:"content"`
		OrigType  flexInt `json:"orig_type"`
		OrigDyID  flexID  `json:"orig_dy_id"`
		Timestamp flexInt `json:"timestamp"`
	} `json:"item"`
	User   *uname `json:"user"`
	Origin string `json:"origin"`
}

type videoCard struct {
	Title string `json:"title"`
	Owner *struct {
		Name string `json:"name"`
	} `json:"owner"`
	AID     flexID  `json:"aid"`
	Pic     string  `json:"pic"`
	PubDate flexInt `json:"pubdate"`
	CTime   flexInt `json:"ctime"`
}

var errMissing = errors.New("missing required field")

// ParseCard turns one raw card into a Record. It returns false, after
// logging, for unknown kinds and malformed payloads. A Forward whose origin
// cannot be parsed fails as a whole.
func ParseCard(c RawCard, log logx.Logger) (Record, bool) {
	rec, err := parseCard(c)
	if err != nil {
		log.Warn("dynamic card dropped",
			logx.String("dynamic_id", string(c.Desc.DynamicID)),
			logx.Int64("type", int64(c.Desc.Type)),
			logx.Err(err),
		)
		return Record{}, false
	}
	return rec, true
}

func parseCard(c RawCard) (Record, error) {
	did := string(c.Desc.DynamicID)
	kind := Kind(c.Desc.Type)

	switch kind {
	case KindPhoto:
		var p photoCard
		if err := json.Unmarshal([]byte(c.Card), &p); err != nil {
			return Record{}, fmt.Errorf("photo card: %w", err)
		}
		if p.Item == nil || p.User == nil {
			return Record{}, fmt.Errorf("photo card: %w", errMissing)
		}
		images := make([]string, 0, len(p.Item.Pictures))
		for _, pic := range p.Item.Pictures {
			if pic.ImgSrc != "" {
				images = append(images, pic.ImgSrc)
			}
		}
		return Record{
			Author:    p.User.Name,
			Kind:      kind,
			Body:      p.Item.Description,
			Images:    images,
			Permalink: DynamicURL(did),
			PostedAt:  int64(p.Item.UploadTime),
		}, nil

	case KindPlain:
		var p plainCard
		if err := json.Unmarshal([]byte(c.Card), &p); err != nil {
			return Record{}, fmt.Errorf("plain card: %w", err)
		}
		if p.Item == nil || p.User == nil {
			return Record{}, fmt.Errorf("plain card: %w", errMissing)
		}
		return Record{
			Author:    p.User.Uname,
			Kind:      kind,
			Body:      p.Item.Content,
			Images:    []string{},
			Permalink: DynamicURL(did),
			PostedAt:  int64(p.Item.Timestamp),
		}, nil

	case KindVideo:
		var v videoCard
		if err := json.Unmarshal([]byte(c.Card), &v); err != nil {
			return Record{}, fmt.Errorf("video card: %w", err)
		}
		if v.Owner == nil || v.AID == "" {
			return Record{}, fmt.Errorf("video card: %w", errMissing)
		}
		images := []string{}
		if v.Pic != "" {
			images = append(images, v.Pic)
		}
		posted := int64(v.PubDate)
		if posted == 0 {
			posted = int64(v.CTime)
		}
		return Record{
			Author:    v.Owner.Name,
			Kind:      kind,
			Body:      v.Title,
			Images:    images,
			Permalink: VideoURL(string(v.AID)),
			PostedAt:  posted,
		}, nil

	case KindForward:
		var f forwardCard
		if err := json.Unmarshal([]byte(c.Card), &f); err != nil {
			return Record{}, fmt.Errorf("forward card: %w", err)
		}
		if f.Item == nil || f.User == nil {
			return Record{}, fmt.Errorf("forward card: %w", errMissing)
		}
		origin, err := parseCard(RawCard{
			Desc: Desc{Type: f.Item.OrigType, DynamicID: f.Item.OrigDyID},
			Card: f.Origin,
		})
		if err != nil {
			return Record{}, fmt.Errorf("forward origin %s: %w", string(f.Item.OrigDyID), err)
		}
		return Record{
			Author:    f.User.Uname,
			Kind:      kind,
			Body:      f.Item.Content + "\n------\nRT\n" + origin.Body,
			Images:    origin.Images,
			Permalink: DynamicURL(did),
			PostedAt:  int64(f.Item.Timestamp),
		}, nil

	default:
		return Record{}, fmt.Errorf("unsupported dynamic type %d", int64(c.Desc.Type))
	}
}

// Package codec converts between the remote store's untyped attribute
// bags and typed model.Item values, and handles the embedded photo
// encoding (size-capped JPEG wrapped in a base64 data URI).
package codec

import (
	"fmt"
	"time"

	"github.com/erazemk/najdeno/internal/model"
)

// DecodeError describes a malformed record attribute. Decode failures are
// per-record: callers skip the offending record and keep processing.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding record attribute %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Timestamp layouts accepted on decode. Legacy records carry the Android
// app's Date.toString() format; new records use RFC 3339.
var timeLayouts = []string{
	time.RFC3339,
	"Mon Jan 2 15:04:05 MST 2006",
	"Mon Jan 02 15:04:05 MST 2006",
}

// Decode maps an untyped attribute bag to an Item. Missing optional
// fields (location, contact_email, photo) default to empty; missing
// required fields still decode so that legacy or partial records remain
// readable, but Item.Complete reports false for them. A status that is
// present but unparseable is a *DecodeError.
func Decode(attrs map[string]any) (model.Item, error) {
	if attrs == nil {
		return model.Item{}, &DecodeError{Key: "", Err: fmt.Errorf("nil attributes")}
	}

	item := model.Item{
		Title:        stringAttr(attrs, "title"),
		Description:  stringAttr(attrs, "description"),
		Location:     stringAttr(attrs, "location"),
		ContactName:  stringAttr(attrs, "contact_name"),
		ContactPhone: stringAttr(attrs, "contact_phone"),
		ContactEmail: stringAttr(attrs, "contact_email"),
	}

	// Legacy records key the poster by user_id and the photo by image.
	item.OwnerID = stringAttr(attrs, "owner_id")
	if item.OwnerID == "" {
		item.OwnerID = stringAttr(attrs, "user_id")
	}
	item.Photo = stringAttr(attrs, "photo")
	if item.Photo == "" {
		item.Photo = stringAttr(attrs, "image")
	}

	raw, ok := attrs["status"]
	if !ok {
		raw, ok = attrs["status_id"]
	}
	if !ok {
		return model.Item{}, &DecodeError{Key: "status", Err: fmt.Errorf("missing")}
	}
	status, err := model.ParseStatus(raw)
	if err != nil {
		return model.Item{}, &DecodeError{Key: "status", Err: err}
	}
	item.Status = status

	// Unparseable timestamps default to zero time rather than failing the
	// record: they are presentation data, not identity.
	item.CreatedAt = timeAttr(attrs, "created_at")
	item.UpdatedAt = timeAttr(attrs, "updated_at")

	return item, nil
}

// Encode maps an Item back to an attribute bag for storage. Absent
// optional fields are omitted entirely. The record key is not part of the
// bag; the store owns it.
func Encode(item model.Item) map[string]any {
	attrs := map[string]any{
		"owner_id":      item.OwnerID,
		"title":         item.Title,
		"description":   item.Description,
		"contact_name":  item.ContactName,
		"contact_phone": item.ContactPhone,
		"status":        string(item.Status),
		"created_at":    item.CreatedAt.Format(time.RFC3339),
		"updated_at":    item.UpdatedAt.Format(time.RFC3339),
	}
	if item.Location != "" {
		attrs["location"] = item.Location
	}
	if item.ContactEmail != "" {
		attrs["contact_email"] = item.ContactEmail
	}
	if item.Photo != "" {
		attrs["photo"] = item.Photo
	}
	return attrs
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

func timeAttr(attrs map[string]any, key string) time.Time {
	s, _ := attrs[key].(string)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

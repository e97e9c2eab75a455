package card

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// apply performs a on data[componentID]. data is the engine's private copy.
func (a ComponentAction) apply(data map[string]any, componentID string, payload map[string]any, author string) error {
	switch a {
	case EditText, EditCode:
		text, ok := payload["text"].(string)
		if !ok {
			return invalidField("payload.text", "text is required")
		}
		comp := componentMap(data, componentID)
		comp["content"] = text
		data[componentID] = comp
	case ToggleCheck:
		idx, err := itemIndex(payload)
		if err != nil {
			return err
		}
		comp, ok := data[componentID].(map[string]any)
		if !ok {
			return nil
		}
		items, _ := comp["items"].([]any)
		if idx >= len(items) {
			return nil
		}
		item, ok := items[idx].(map[string]any)
		if !ok {
			return nil
		}
		checked, _ := item["checked"].(bool)
		item["checked"] = !checked
	case AddComment:
		text, _ := payload["comment"].(string)
		if text == "" {
			text, _ = payload["text"].(string)
		}
		if text == "" {
			return invalidField("payload.comment", "comment is required")
		}
		if s, ok := payload["author"].(string); ok && s != "" {
			author = s
		}
		if author == "" {
			author = "user"
		}
		comments, _ := data["comments"].([]any)
		data["comments"] = append(comments, map[string]any{
			"id":        uuid.NewString(),
			"text":      text,
			"author":    author,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	case UploadImage:
		url, _ := payload["url"].(string)
		if url == "" {
			return invalidField("payload.url", "url is required")
		}
		comp := componentMap(data, componentID)
		comp["url"] = url
		if alt, ok := payload["alt"].(string); ok {
			comp["alt"] = alt
		}
		data[componentID] = comp
	default:
		return invalidField("action", "Invalid action")
	}
	return nil
}

// componentMap returns data[id] as an object, starting a fresh one when the component is
// absent or not an object.
func componentMap(data map[string]any, id string) map[string]any {
	if m, ok := data[id].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// itemIndex reads payload.itemIndex as a non-negative integer. JSON numbers decode as float64.
func itemIndex(payload map[string]any) (int, error) {
	var f float64
	switch v := payload["itemIndex"].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, invalidField("payload.itemIndex", "itemIndex must be a non-negative integer")
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, invalidField("payload.itemIndex", "itemIndex must be a non-negative integer")
	}
	return int(f), nil
}

// cloneData deep-copies JSON-shaped values so a failed CAS never leaks edits into the
// caller's card.
func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return cloneValue(m).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

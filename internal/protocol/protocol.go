// Package protocol defines the JSON messages exchanged between a controller and
// the transcription worker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type MessageType string

// Inbound.
const (
	TypeInferenceRequest MessageType = "INFERENCE_REQUEST"
	TypeCancel           MessageType = "CANCEL"
	TypePing             MessageType = "ping"
)

// Outbound.
const (
	TypeLoading       MessageType = "LOADING"
	TypeDownloading   MessageType = "DOWNLOADING"
	TypeResultPartial MessageType = "RESULT_PARTIAL"
	TypeResult        MessageType = "RESULT"
	TypeInferenceDone MessageType = "INFERENCE_DONE"
	TypeError         MessageType = "ERROR"
	TypePong          MessageType = "pong"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Request is an inbound message. Audio carries 16 kHz mono samples directly;
// AudioData carries encoded file bytes (base64 in JSON) for the worker to decode.
type Request struct {
	Type       MessageType `json:"type" validate:"required"`
	RequestID  string      `json:"request_id,omitempty" validate:"omitempty,max=128,printascii"`
	ModelName  string      `json:"model_name,omitempty" validate:"omitempty,max=128"`
	Audio      []float32   `json:"audio,omitempty"`
	AudioData  []byte      `json:"audio_data,omitempty"`
	MimeType   string      `json:"mime_type,omitempty" validate:"omitempty,max=64"`
	SampleRate int         `json:"sample_rate,omitempty" validate:"gte=0,lte=384000"`
	TS         any         `json:"ts,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterStructValidation(func(sl validator.StructLevel) {
			req := sl.Current().Interface().(Request)
			if req.Type == TypeInferenceRequest && len(req.Audio) == 0 && len(req.AudioData) == 0 {
				sl.ReportError(req.Audio, "audio", "Audio", "audio_required", "")
			}
		}, Request{})
	})
	return validate
}

// ParseRequest decodes and validates one inbound frame.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch req.Type {
	case TypeInferenceRequest, TypeCancel, TypePing, "":
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, req.Type)
	}
	if err := getValidator().Struct(req); err != nil {
		return Request{}, fmt.Errorf("%w: %s", ErrMalformedMessage, describe(err))
	}
	return req, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			msgs = append(msgs, e.Field()+" is required")
		case "audio_required":
			msgs = append(msgs, "audio or audio_data is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", e.Field(), e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

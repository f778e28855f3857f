package chromecast

import (
	"testing"

	"castbridge.app/castbridge/internal/domain"
)

func TestClassifyLoadResult(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    domain.ErrorKind
	}{
		{"accepted", `{"type":"MEDIA_STATUS","status":[{"mediaSessionId":1}]}`, ""},
		{"source not supported", `{"type":"LOAD_FAILED","detailedErrorCode":104}`, domain.KindDeviceRejectedFormat},
		{"decode failure", `{"type":"LOAD_FAILED","detailedErrorCode":102}`, domain.KindDeviceRejectedFormat},
		{"failure without code", `{"type":"LOAD_FAILED"}`, domain.KindDeviceRejectedFormat},
		{"media network", `{"type":"LOAD_FAILED","detailedErrorCode":103}`, domain.KindDeviceUnreachable},
		{"segment download", `{"type":"LOAD_FAILED","detailedErrorCode":311}`, domain.KindDeviceUnreachable},
		{"manifest download", `{"type":"LOAD_FAILED","detailedErrorCode":321}`, domain.KindDeviceUnreachable},
		{"cancelled by another sender", `{"type":"LOAD_CANCELLED"}`, domain.KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyLoadResult([]byte(tc.payload))
			if tc.want == "" {
				if err != nil {
					t.Fatalf("classifyLoadResult: %v", err)
				}
				return
			}
			if got := domain.KindOf(err); got != tc.want {
				t.Fatalf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyLoadResultCarriesReceiverReason(t *testing.T) {
	err := classifyLoadResult([]byte(`{"type":"LOAD_FAILED","detailedErrorCode":311}`))
	ce := domain.AsControlError(err)
	if ce == nil || ce.Details["receiver_reason"] != int64(311) {
		t.Fatalf("details = %+v", ce)
	}
}

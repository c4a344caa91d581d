package taskfeed

import (
	"errors"
	"testing"
)

func TestDescriptorKeyIsStable(t *testing.T) {
	a := QueryDescriptor{Collection: "meetings", Filters: map[string]string{"userId": "u1", "teamId": "t1"}}
	b := QueryDescriptor{Collection: "meetings", Filters: map[string]string{"teamId": "t1", "userId": "u1"}}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ for equal descriptors: %q vs %q", a.Key(), b.Key())
	}
	if want := "meetings|teamId=t1|userId=u1"; a.Key() != want {
		t.Fatalf("got %q, want %q", a.Key(), want)
	}
	bare := QueryDescriptor{Collection: "notifications"}
	if bare.Key() != "notifications" {
		t.Fatalf("filterless key: got %q", bare.Key())
	}
}

func TestDescriptorValidate(t *testing.T) {
	cases := []struct {
		name       string
		descriptor QueryDescriptor
		wantErr    bool
	}{
		{"valid", MeetingsDescriptor("u1"), false},
		{"no filters", QueryDescriptor{Collection: "meetings"}, false},
		{"empty collection", QueryDescriptor{Collection: " "}, true},
		{"empty filter field", QueryDescriptor{Collection: "meetings", Filters: map[string]string{"": "x"}}, true},
		{"empty filter value", QueryDescriptor{Collection: "meetings", Filters: map[string]string{"userId": ""}}, true},
	}
	for _, tc := range cases {
		err := tc.descriptor.Validate()
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidDescriptor) {
				t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", tc.name, err)
			}
			var de *DescriptorError
			if !errors.As(err, &de) {
				t.Fatalf("%s: expected a DescriptorError, got %T", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestRetryExhaustedErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &RetryExhaustedError{Attempts: 3, Err: inner}
	if !errors.Is(err, inner) {
		t.Fatal("expected unwrap to the inner error")
	}
	if err.Error() == "" {
		t.Fatal("expected a message")
	}
}

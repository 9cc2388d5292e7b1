package message

import "testing"

func TestReplyHelpers(t *testing.T) {
	req := &Message{Channel: "highlight_mentions", Method: "getPlatformVersion", Payload: []byte(`{}`)}

	ni := NotImplementedReply(req)
	if ni.Status != StatusNotImplemented {
		t.Fatalf("expect not implemented, got %v", ni.Status)
	}
	if ni.Failed() {
		t.Fatal("not implemented must not count as a failure")
	}
	if ni.Channel != req.Channel || ni.Method != req.Method {
		t.Fatalf("reply addressed to %s.%s", ni.Channel, ni.Method)
	}
	if ni.Payload != nil {
		t.Fatalf("expect empty payload, got %q", ni.Payload)
	}

	er := ErrorReply(req, CodeTimeout, "request timed out")
	if !er.Failed() || er.Code != CodeTimeout || er.Error != "request timed out" {
		t.Fatalf("unexpected error reply: %+v", er)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusSuccess:        "success",
		StatusError:          "error",
		StatusNotImplemented: "not_implemented",
		Status(9):            "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, got, want)
		}
	}
}

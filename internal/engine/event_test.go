package engine

import "testing"

func TestEventType_String(t *testing.T) {
	t.Parallel()
	cases := map[EventType]string{
		AlgorithmInit:       "ALGORITHM_INIT",
		ProbeReply:          "PROBE_REPLY",
		ProbeTimeout:        "PROBE_TIMEOUT",
		ProbeSendFailed:     "PROBE_SEND_FAILED",
		AlgorithmTerminated: "ALGORITHM_TERMINATED",
		AlgorithmError:      "ALGORITHM_ERROR",
		InstanceEvent:       "INSTANCE_EVENT",
		EventType(99):       "UNKNOWN",
	}
	for evType, want := range cases {
		if got := evType.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", evType, got, want)
		}
	}
}

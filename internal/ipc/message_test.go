package ipc

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-bridgehost/internal/bridgeconfig"
)

func intPtr(v int) *int          { return &v }
func boolPtr(v bool) *bool       { return &v }
func stringPtr(v string) *string { return &v }

func TestEncode_WireFormat(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"ready has no data", Ready{}, `{"id":"ready"}`},
		{"start has no data", Start{}, `{"id":"start"}`},
		{"online has no data", Online{}, `{"id":"online"}`},
		{"loaded", Loaded{Version: "1.0.0"}, `{"id":"loaded","data":{"version":"1.0.0"}}`},
		{"port request", PortRequest{Username: "0E:11"}, `{"id":"portRequest","data":{"username":"0E:11"}}`},
		{"port allocated", PortAllocated{Username: "0E:11", Port: intPtr(52100)}, `{"id":"portAllocated","data":{"username":"0E:11","port":52100}}`},
		{"port allocation failure omits port", PortAllocated{Username: "0E:11"}, `{"id":"portAllocated","data":{"username":"0E:11"}}`},
		{"status unknown is null", StatusUpdate{}, `{"id":"status","data":{"paired":null,"setupUri":null}}`},
		{"status known", StatusUpdate{Paired: boolPtr(true), SetupURI: stringPtr("X-HM://0023ABC")}, `{"id":"status","data":{"paired":true,"setupUri":"X-HM://0023ABC"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncode_Nil(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Error("Encode(nil) expected error, got nil")
	}
}

func TestDecode_Load(t *testing.T) {
	in := Load{
		Type:         bridgeconfig.KindPlatform,
		Identifier:   "Virtual",
		Plugin:       "virtual",
		PluginConfig: []json.RawMessage{json.RawMessage(`{"platform":"Virtual","name":"Lights"}`)},
		BridgeConfig: bridgeconfig.Bridge{Username: "0E:11:22:33:44:55", Pin: "031-45-154"},
		HostConfig:   json.RawMessage(`{"bridge":{"username":"0E:AA"}}`),
	}
	line, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	msg, ok := Decode(line)
	if !ok {
		t.Fatalf("Decode(%s) rejected a valid load message", line)
	}
	got, isLoad := msg.(Load)
	if !isLoad {
		t.Fatalf("Decode() = %T, want Load", msg)
	}
	if got.Identifier != in.Identifier || got.Plugin != in.Plugin || got.BridgeConfig.Username != in.BridgeConfig.Username {
		t.Errorf("Decode() = %+v, want %+v", got, in)
	}
	if len(got.PluginConfig) != 1 || string(got.PluginConfig[0]) != string(in.PluginConfig[0]) {
		t.Errorf("PluginConfig = %s, want %s", got.PluginConfig, in.PluginConfig)
	}
}

func TestDecode_Accepts(t *testing.T) {
	tests := []struct {
		line string
		want Message
	}{
		{`{"id":"ready"}`, Ready{}},
		{`{"id":"ready","data":{"ignored":true}}`, Ready{}},
		{`{"id":"online","extra":1}`, Online{}},
		{`{"id":"loaded","data":{"version":"2.1.0","future":"field"}}`, Loaded{Version: "2.1.0"}},
		{`{"id":"portRequest","data":{"username":"0E:11"}}`, PortRequest{Username: "0E:11"}},
		{`{"id":"portAllocated","data":{"username":"0E:11","port":null}}`, PortAllocated{Username: "0E:11"}},
		{`{"id":"status","data":{"paired":false,"setupUri":null}}`, StatusUpdate{Paired: boolPtr(false)}},
	}

	for _, tt := range tests {
		got, ok := Decode([]byte(tt.line))
		if !ok {
			t.Errorf("Decode(%s) rejected a valid message", tt.line)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Decode(%s) = %#v, want %#v", tt.line, got, tt.want)
		}
	}
}

func TestDecode_Discards(t *testing.T) {
	lines := []string{
		``,
		`not json`,
		`null`,
		`[]`,
		`"ready"`,
		`{}`,
		`{"data":{}}`,
		`{"id":7}`,
		`{"id":null}`,
		`{"id":"reboot"}`,
		`{"id":"READY"}`,
		`{"id":"loaded"}`,
		`{"id":"loaded","data":"1.0.0"}`,
		`{"id":"portRequest","data":{}}`,
		`{"id":"portRequest","data":{"username":5}}`,
		`{"id":"portAllocated","data":{"username":"0E:11","port":70000}}`,
		`{"id":"portAllocated","data":{"port":52100}}`,
		`{"id":"status","data":{"paired":"yes"}}`,
		`{"id":"load","data":{"type":"plugin"}}`,
	}

	for _, line := range lines {
		if msg, ok := Decode([]byte(line)); ok {
			t.Errorf("Decode(%q) = %#v, want discarded", line, msg)
		}
	}
}

package validator

import "encoding/json"

func jsonEncode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func jsonDecode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

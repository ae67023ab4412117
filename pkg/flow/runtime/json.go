package runtime

import "encoding/json"

func marshalVariables(variables map[string]interface{}) ([]byte, error) {
	if variables == nil {
		variables = map[string]interface{}{}
	}
	return json.Marshal(variables)
}

func unmarshalVariables(data []byte) (map[string]interface{}, error) {
	variables := make(map[string]interface{})
	if len(data) == 0 {
		return variables, nil
	}
	if err := json.Unmarshal(data, &variables); err != nil {
		return nil, err
	}
	return variables, nil
}

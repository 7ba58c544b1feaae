package badger

// Key layout:
//
//	ds:<dataset name>  -> JSON encoded dataset.Dataset
//
// Dataset names use '/' as separator, so "ds:tank/" prefixes exactly the
// descendants of "tank".
const prefixDataset = "ds:"

func keyDataset(name string) []byte {
	return []byte(prefixDataset + name)
}

func keyChildPrefix(name string) []byte {
	return []byte(prefixDataset + name + "/")
}

func nameFromKey(key []byte) string {
	return string(key[len(prefixDataset):])
}

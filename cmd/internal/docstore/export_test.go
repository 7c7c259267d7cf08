package docstore

// RunStoreContract exposes the backend contract suite to docstore_test, which
// can import the gateway without an import cycle.
var RunStoreContract = runStoreContract

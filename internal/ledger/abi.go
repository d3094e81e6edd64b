package ledger

// Minimal ABI surface of the issuance minter contract: one batch mint
// entry point per issuance type, plus the published commitment root the
// FIRST membership proofs are checked against.
const MinterABI = `[{
    "name": "batchMintFirst",
    "type": "function",
    "inputs": [
        {"name": "recipients", "type": "address[]"},
        {"name": "proofs", "type": "bytes32[][]"}
    ],
    "outputs": []
}, {
    "name": "batchMintPeriodic",
    "type": "function",
    "inputs": [
        {"name": "recipients", "type": "address[]"}
    ],
    "outputs": []
}, {
    "name": "commitmentRoot",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "bytes32"}]
}]`

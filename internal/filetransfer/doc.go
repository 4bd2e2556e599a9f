// Package filetransfer implements the file store and the binary TCP file
// transfer server (opcode 0x01 upload, 0x02 download).
package filetransfer
